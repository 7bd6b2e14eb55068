package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or of the wrong type.
	ErrInvalidToken = errors.New("invalid token")
)

// twoFactorAudienceSuffix separates the temp-token audience from the access-token audience
// so neither token validates as the other.
const twoFactorAudienceSuffix = ":2fa"

// Principal is the identity data embedded in an access token.
type Principal struct {
	ID           string
	Domain       string
	Role         string
	DepartmentID string
	BankID       string
	VendorID     string
}

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Domain        string `json:"domain"`
	Role          string `json:"role"`
	DepartmentID  string `json:"department_id,omitempty"`
	BankID        string `json:"bank_id,omitempty"`
	VendorID      string `json:"vendor_id,omitempty"`
	TwoFactorTemp bool   `json:"is_2fa_temp,omitempty"`
}

// Principal returns the identity carried by the claims.
func (c *AccessClaims) Principal() Principal {
	return Principal{
		ID:           c.Subject,
		Domain:       c.Domain,
		Role:         c.Role,
		DepartmentID: c.DepartmentID,
		BankID:       c.BankID,
		VendorID:     c.VendorID,
	}
}

// TwoFactorTempClaims asserts "password verified, second factor pending". It grants no access.
type TwoFactorTempClaims struct {
	jwt.RegisteredClaims
	Domain        string `json:"domain"`
	TwoFactorTemp bool   `json:"is_2fa_temp"`
}

// TokenProvider issues and validates access and temporary two-factor JWTs using RS256 or ES256.
type TokenProvider struct {
	privateKey   crypto.Signer
	publicKey    crypto.PublicKey
	issuer       string
	audience     string
	accessTTL    time.Duration
	twoFactorTTL time.Duration
	now          func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with privateKey (RSA or ECDSA).
// issuer and audience are set on claims and enforced on validation.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, twoFactorTTL time.Duration) *TokenProvider {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if twoFactorTTL <= 0 {
		twoFactorTTL = 5 * time.Minute
	}
	return &TokenProvider{
		privateKey:   privateKey,
		publicKey:    publicKey,
		issuer:       issuer,
		audience:     audience,
		accessTTL:    accessTTL,
		twoFactorTTL: twoFactorTTL,
		now:          time.Now,
	}
}

// WithClock replaces the provider's time source. Returns p for chaining.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	if now != nil {
		p.now = now
	}
	return p
}

// AccessTTL returns the configured access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// IssueAccess issues a short-lived access JWT for the principal.
func (p *TokenProvider) IssueAccess(pr Principal) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := p.now().UTC()
	expiresAt = now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   pr.ID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Domain:       pr.Domain,
		Role:         pr.Role,
		DepartmentID: pr.DepartmentID,
		BankID:       pr.BankID,
		VendorID:     pr.VendorID,
	}
	token, err = p.sign(claims)
	return token, expiresAt, err
}

// IssueTwoFactorTemp issues the temporary token handed out when a password login still needs a TOTP code.
func (p *TokenProvider) IssueTwoFactorTemp(subject, domain string) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := p.now().UTC()
	expiresAt = now.Add(p.twoFactorTTL)
	claims := TwoFactorTempClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience + twoFactorAudienceSuffix},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Domain:        domain,
		TwoFactorTemp: true,
	}
	token, err = p.sign(claims)
	return token, expiresAt, err
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	method := p.signingMethod()
	if method == nil {
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

func (p *TokenProvider) signingMethod() jwt.SigningMethod {
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		return jwt.SigningMethodES256
	default:
		return nil
	}
}

func (p *TokenProvider) parse(tokenString string, claims jwt.Claims, audience string) error {
	method := p.signingMethod()
	if method == nil || tokenString == "" {
		return ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	},
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// ValidateAccess parses and validates an access token (signature, exp, iss, aud).
// Temporary two-factor tokens are rejected.
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.parse(tokenString, claims, p.audience); err != nil {
		return nil, err
	}
	if claims.TwoFactorTemp || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateTwoFactorTemp parses a temporary two-factor token and requires is_2fa_temp=true.
// Access tokens replayed here are rejected.
func (p *TokenProvider) ValidateTwoFactorTemp(tokenString string) (*TwoFactorTempClaims, error) {
	claims := &TwoFactorTempClaims{}
	if err := p.parse(tokenString, claims, p.audience+twoFactorAudienceSuffix); err != nil {
		return nil, err
	}
	if !claims.TwoFactorTemp || claims.Subject == "" || claims.Domain == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
