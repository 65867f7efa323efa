package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	// KeyPrefix marks proxy-issued keys apart from raw provider keys
	KeyPrefix = "art_"

	// DisplayPrefixLen is how much of a key is kept in clear for listings
	DisplayPrefixLen = 12

	keyEntropyBytes = 32
)

// 32 random bytes, unpadded base64url
var keyFormat = regexp.MustCompile(`^` + KeyPrefix + `[A-Za-z0-9_-]{43}$`)

// GenerateKey returns a new proxy key and its display prefix
func GenerateKey() (key string, displayPrefix string, err error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	key = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return key, key[:DisplayPrefixLen], nil
}

// HashKey is the lookup hash stored for a key
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidFormat reports whether token looks like a proxy-issued key
func ValidFormat(token string) bool {
	return keyFormat.MatchString(token)
}

// ParseAuthorization strips an optional bearer scheme and surrounding space
func ParseAuthorization(headerValue string) string {
	v := strings.TrimSpace(headerValue)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		v = strings.TrimSpace(v[7:])
	}
	return v
}
