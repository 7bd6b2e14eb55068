package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"
)

// DefaultBackupCodeCount is the number of backup codes generated on enrollment.
const DefaultBackupCodeCount = 10

// backupAlphabet omits characters easily confused when read aloud or handwritten (0/O, 1/I/L).
const backupAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const backupGroupLen = 5

// GenerateBackupCodes returns count codes formatted as two 5-character groups joined by a hyphen
// (e.g. "K7M2Q-9TXHR"). count <= 0 uses DefaultBackupCodeCount.
func GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		count = DefaultBackupCodeCount
	}
	codes := make([]string, 0, count)
	seen := make(map[string]bool, count)
	for len(codes) < count {
		a, err := randomGroup()
		if err != nil {
			return nil, err
		}
		b, err := randomGroup()
		if err != nil {
			return nil, err
		}
		code := a + "-" + b
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes, nil
}

func randomGroup() (string, error) {
	max := big.NewInt(int64(len(backupAlphabet)))
	var sb strings.Builder
	sb.Grow(backupGroupLen)
	for i := 0; i < backupGroupLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(backupAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeBackupCode uppercases and trims a user-entered code and restores the hyphen if omitted.
func NormalizeBackupCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	c = strings.ReplaceAll(c, " ", "")
	if len(c) == 2*backupGroupLen && !strings.Contains(c, "-") {
		c = c[:backupGroupLen] + "-" + c[backupGroupLen:]
	}
	return c
}

// HashBackupCode returns the SHA-256 hex of the normalized code. Only hashes are stored.
func HashBackupCode(code string) string {
	h := sha256.Sum256([]byte(NormalizeBackupCode(code)))
	return hex.EncodeToString(h[:])
}

// HashBackupCodes hashes every code.
func HashBackupCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = HashBackupCode(c)
	}
	return out
}

// MatchBackupCode returns the index in storedHashes matching code, or -1.
// Every stored hash is compared so the timing does not depend on the position of the match.
func MatchBackupCode(code string, storedHashes []string) int {
	provided := []byte(HashBackupCode(code))
	idx := -1
	for i, h := range storedHashes {
		if subtle.ConstantTimeCompare(provided, []byte(h)) == 1 && idx < 0 {
			idx = i
		}
	}
	return idx
}
