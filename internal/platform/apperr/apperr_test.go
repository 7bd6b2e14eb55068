package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs_MatchesKindAndOptionalReason(t *testing.T) {
	err := fmt.Errorf("refresh: %w", Authentication("expired"))

	if !errors.Is(err, ErrAuthentication) {
		t.Error("wrapped authentication error should match the sentinel")
	}
	if !errors.Is(err, &Error{Kind: KindAuthentication, Reason: "expired"}) {
		t.Error("should match same kind and reason")
	}
	if errors.Is(err, &Error{Kind: KindAuthentication, Reason: "revoked"}) {
		t.Error("should not match a different reason")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("should not match a different kind")
	}
}

func TestKindAndReasonOf(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Conflict("setup not initiated"))
	if KindOf(err) != KindConflict {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain errors are KindUnknown")
	}
	if ReasonOf(Authentication("revoked")) != "revoked" {
		t.Error("ReasonOf should return the reason")
	}
}

func TestAuthenticationMessageIsGeneric(t *testing.T) {
	a, b := Authentication("wrong password"), Authentication("unknown user")
	if a.Message != b.Message || a.Message != "Invalid credentials" {
		t.Errorf("messages differ: %q vs %q", a.Message, b.Message)
	}
}
