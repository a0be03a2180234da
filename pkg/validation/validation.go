package validation

import (
	"strings"
	"unicode/utf8"
)

func ValidateCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// ValidateText reports whether s is non-blank and at most max runes.
func ValidateText(s string, max int) bool {
	s = strings.TrimSpace(s)
	return s != "" && utf8.RuneCountInString(s) <= max
}

// ValidateRating reports whether r is a 1..5 star rating.
func ValidateRating(r int) bool {
	return r >= 1 && r <= 5
}

// ValidateDurationMonths reports whether m is a purchasable subscription length.
func ValidateDurationMonths(m int) bool {
	switch m {
	case 1, 3, 6, 12:
		return true
	}
	return false
}

// ValidateAmount reports whether an amount in minor units is a positive
// multiple of 5.
func ValidateAmount(amount int64) bool {
	return amount > 0 && amount%5 == 0
}

// NormalizeSpecialty lowercases and trims a specialty code.
func NormalizeSpecialty(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
