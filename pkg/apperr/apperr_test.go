package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := Conflict("request %s is %s", "r1", "completed")
	wrapped := fmt.Errorf("transition: %w", base)

	if got := KindOf(wrapped); got != KindConflict {
		t.Fatalf("KindOf = %s, want %s", got, KindConflict)
	}
	if got := Message(wrapped); got != "request r1 is completed" {
		t.Errorf("Message = %q", got)
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("plain errors should classify as internal")
	}
	if Is(nil, KindConflict) {
		t.Error("nil error must not match any kind")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindValidation:         http.StatusBadRequest,
		KindUnauthenticated:    http.StatusUnauthorized,
		KindTokenExpired:       http.StatusUnauthorized,
		KindForbidden:          http.StatusForbidden,
		KindNotFound:           http.StatusNotFound,
		KindConflict:           http.StatusConflict,
		KindRateLimited:        http.StatusTooManyRequests,
		KindGatewayUnavailable: http.StatusServiceUnavailable,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
