package domain_test

import (
	"errors"
	"testing"

	"xlink/internal/domain"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := domain.New(domain.ErrSessionNotFound, "no session for peer", map[string]any{"peer": "abc"})

	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected errors.Is to match ErrSessionNotFound")
	}
	if errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("did not expect errors.Is to match an unrelated Kind")
	}
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("underlying failure")
	err := domain.Wrap(domain.ErrEncryptionFailed, "seal failed", cause, nil)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorMessageFormatting(t *testing.T) {
	err := domain.New(domain.ErrInvalidInput, "bad value", nil)
	if got, want := err.Error(), "01-0001 invalid-input: bad value"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
