package geo

import (
	"math"
	"testing"
)

func TestDistanceKm(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
		tol  float64
	}{
		{"same point", Point{12.64, -8.0}, Point{12.64, -8.0}, 0, 1e-9},
		{"one degree of latitude", Point{0, 0}, Point{1, 0}, 111.19, 0.01},
		{"bamako neighbourhood", Point{12.6400, -8.0000}, Point{12.6392, -8.0029}, 0.328, 0.01},
		{"paris to london", Point{48.8566, 2.3522}, Point{51.5074, -0.1278}, 343.5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.tol {
				t.Errorf("DistanceKm = %.4f, want %.4f ± %.4f", got, tt.want, tt.tol)
			}
			if back := DistanceKm(tt.b, tt.a); math.Abs(back-got) > 1e-9 {
				t.Errorf("distance not symmetric: %f vs %f", got, back)
			}
		})
	}
}

func TestPointValid(t *testing.T) {
	if !(Point{Lat: 12.6, Lon: -8}).Valid() {
		t.Error("expected valid point")
	}
	if (Point{Lat: 91, Lon: 0}).Valid() {
		t.Error("latitude 91 should be invalid")
	}
	if (Point{Lat: 0, Lon: -181}).Valid() {
		t.Error("longitude -181 should be invalid")
	}
}
