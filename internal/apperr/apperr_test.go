package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"validation", Validation("invalid_name", "bad name"), http.StatusBadRequest},
		{"unauthorized", Unauthorized("unauthorized", "no token"), http.StatusUnauthorized},
		{"forbidden", Forbidden("not_admin", "admins only"), http.StatusForbidden},
		{"not found", NotFound("conversation_not_found", "no such conversation"), http.StatusNotFound},
		{"conflict", Conflict("last_admin", "cannot demote"), http.StatusBadRequest},
		{"rate limited", RateLimited("slow down", time.Second), http.StatusTooManyRequests},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIs_SentinelMatching(t *testing.T) {
	sentinel := Conflict("last_admin", "cannot demote")
	wrapped := fmt.Errorf("set role: %w", Conflict("last_admin", "cannot demote"))

	if !errors.Is(wrapped, sentinel) {
		t.Error("errors.Is() failed to match wrapped error by kind and code")
	}
	if errors.Is(wrapped, Conflict("group_full", "full")) {
		t.Error("errors.Is() matched a different code")
	}
	if errors.Is(wrapped, Forbidden("last_admin", "cannot demote")) {
		t.Error("errors.Is() matched a different kind")
	}
}

func TestFrom(t *testing.T) {
	classified := NotFound("user_not_found", "no such user")
	if got := From(fmt.Errorf("lookup: %w", classified)); got.Kind != KindNotFound {
		t.Errorf("From(wrapped) kind = %v, want not found", got.Kind)
	}

	raw := errors.New("connection refused")
	got := From(raw)
	if got.Kind != KindInternal {
		t.Errorf("From(raw) kind = %v, want internal", got.Kind)
	}
	if got.Message != "internal server error" {
		t.Errorf("From(raw) leaked cause into message: %q", got.Message)
	}
	if !errors.Is(got, raw) {
		t.Error("From(raw) lost the cause chain")
	}
}
