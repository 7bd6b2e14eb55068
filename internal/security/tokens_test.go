package security

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedProvider(t *testing.T) (*TokenProvider, *fakeClock) {
	t.Helper()
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return p.WithClock(clock.Now), clock
}

func TestTokenProvider_IssueAndValidateAccess(t *testing.T) {
	p, clock := newClockedProvider(t)
	pr := Principal{ID: "u1", Domain: "bank", Role: "BANK_ADMIN", BankID: "bank-7"}

	token, exp, err := p.IssueAccess(pr)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if want := clock.Now().Add(15 * time.Minute); !exp.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", exp, want)
	}
	claims, err := p.ValidateAccess(token)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if got := claims.Principal(); got != pr {
		t.Errorf("Principal = %+v, want %+v", got, pr)
	}
}

func TestTokenProvider_AccessExpires(t *testing.T) {
	p, clock := newClockedProvider(t)
	token, _, err := p.IssueAccess(Principal{ID: "u1", Domain: "internal", Role: "ADMIN", DepartmentID: "d1"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	clock.Advance(15 * time.Minute)
	if _, err := p.ValidateAccess(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired access token: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_TwoFactorTempLifetime(t *testing.T) {
	p, clock := newClockedProvider(t)
	token, exp, err := p.IssueTwoFactorTemp("u1", "vendor")
	if err != nil {
		t.Fatalf("IssueTwoFactorTemp: %v", err)
	}
	if want := clock.Now().Add(5 * time.Minute); !exp.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", exp, want)
	}

	clock.Advance(4*time.Minute + 59*time.Second)
	claims, err := p.ValidateTwoFactorTemp(token)
	if err != nil {
		t.Fatalf("ValidateTwoFactorTemp before expiry: %v", err)
	}
	if claims.Subject != "u1" || claims.Domain != "vendor" || !claims.TwoFactorTemp {
		t.Errorf("unexpected claims %+v", claims)
	}

	clock.Advance(time.Second)
	if _, err := p.ValidateTwoFactorTemp(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("temp token at 5m: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_TokenTypesAreNotInterchangeable(t *testing.T) {
	p, _ := newClockedProvider(t)
	access, _, err := p.IssueAccess(Principal{ID: "u1", Domain: "bank", Role: "BANK_OPERATOR", BankID: "b1"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	temp, _, err := p.IssueTwoFactorTemp("u1", "bank")
	if err != nil {
		t.Fatalf("IssueTwoFactorTemp: %v", err)
	}
	if _, err := p.ValidateTwoFactorTemp(access); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access token accepted as temp token: %v", err)
	}
	if _, err := p.ValidateAccess(temp); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("temp token accepted as access token: %v", err)
	}
}

func TestTokenProvider_RejectsForeignSignature(t *testing.T) {
	p, _ := newClockedProvider(t)
	other, _ := newClockedProvider(t)
	token, _, err := other.IssueAccess(Principal{ID: "u1", Domain: "bank", Role: "BANK_ADMIN", BankID: "b1"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := p.ValidateAccess(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign token: want ErrInvalidToken, got %v", err)
	}
	for _, bad := range []string{"", "invalid-token", "a.b.c"} {
		if _, err := p.ValidateAccess(bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateAccess(%q): want ErrInvalidToken, got %v", bad, err)
		}
	}
}
