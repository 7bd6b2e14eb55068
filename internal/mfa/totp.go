// Package mfa implements the TOTP engine: enrollment secrets, provisioning QR images,
// code verification with a clock-skew window, and backup codes.
package mfa

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the TOTP time step.
	Period = 30 * time.Second
	// Skew is the number of steps accepted on either side of the current one.
	Skew = 1
	// CodeDigits is the length of a TOTP code.
	CodeDigits = 6
	// secretSize yields a 160-bit secret.
	secretSize = 20
	qrSize     = 256
)

// ErrMalformedCode is returned for codes that are not exactly six ASCII digits.
var ErrMalformedCode = errors.New("code must be 6 digits")

// Enrollment is a freshly generated secret and its otpauth:// provisioning URI.
type Enrollment struct {
	Secret string
	URI    string
}

// Engine generates and verifies RFC 6238 codes (SHA-1, 6 digits, 30 s steps, ±1 step).
type Engine struct {
	issuer string
	now    func() time.Time
}

// NewEngine returns an Engine whose provisioning URIs carry issuer.
func NewEngine(issuer string) *Engine {
	return &Engine{issuer: issuer, now: time.Now}
}

// WithClock replaces the engine's time source. Returns e for chaining.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

func (e *Engine) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(Period / time.Second),
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateSecret returns a new base32 secret and provisioning URI labelled with label (usually the username).
func (e *Engine) GenerateSecret(label string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: label,
		Period:      uint(Period / time.Second),
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	return &Enrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// RenderQR encodes uri as a PNG QR code and returns it as a data URL. It has no side effects.
func (e *Engine) RenderQR(uri string) (string, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return "", fmt.Errorf("parsing provisioning uri: %w", err)
	}
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("rendering qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding qr png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// VerifyCode reports whether code is valid for secret at the current time, within ±1 step.
func (e *Engine) VerifyCode(secret, code string) bool {
	_, ok := e.MatchStep(secret, code)
	return ok
}

// MatchStep returns the time-step counter that code matches, within ±1 step of now.
// The counter lets callers refuse a second use of the same code.
func (e *Engine) MatchStep(secret, code string) (int64, bool) {
	code = strings.TrimSpace(code)
	if ValidateCodeFormat(code) != nil || secret == "" {
		return 0, false
	}
	now := e.now()
	base := now.Unix() / int64(Period/time.Second)
	opts := e.validateOpts()
	for step := -Skew; step <= Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		at := time.Unix(counter*int64(Period/time.Second), 0)
		want, err := totp.GenerateCodeCustom(secret, at, opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return counter, true
		}
	}
	return 0, false
}

// CodeAt returns the code for secret at t. Used by tests and the seed command.
func (e *Engine) CodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, e.validateOpts())
}

// ValidateCodeFormat returns ErrMalformedCode unless code is exactly six ASCII digits.
func ValidateCodeFormat(code string) error {
	if len(code) != CodeDigits {
		return ErrMalformedCode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrMalformedCode
		}
	}
	return nil
}
