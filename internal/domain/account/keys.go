package account

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const apiKeyPrefix = "bldd_"

// userCodeAlphabet avoids ambiguous glyphs (0/O, 1/I/L).
const userCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// HashAPIKey returns the hex SHA-256 digest used for key lookup and storage.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey mints a bearer key. Only its hash is persisted on the account.
func NewAPIKey() (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// NewDeviceCode mints the opaque secret a runner polls with.
func NewDeviceCode() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate device code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// NewUserCode mints the short human pairing code, e.g. "MKQ4-T7WN".
func NewUserCode() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate user code: %w", err)
	}
	var b strings.Builder
	b.Grow(9)
	for i, c := range buf {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return b.String(), nil
}

// NormalizeUserCode canonicalizes user input for lookup.
func NormalizeUserCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
