package security

import "time"

// NewTestTokenProvider returns a TokenProvider signing with a fresh ephemeral ES256 key.
// For tests only; tokens do not survive the process.
func NewTestTokenProvider() (*TokenProvider, error) {
	key, err := GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}
	return NewTokenProvider(key, key.Public(), "test-issuer", "test-audience", 15*time.Minute, 5*time.Minute), nil
}
