// Package vault encrypts upstream provider credentials and the reveal copy
// of proxy keys at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize       = 32 // AES-256
	versionPrefix = "v1:"
	hkdfInfo      = "llm-proxy secret vault v1"
)

// ErrCorrupt is returned when a ciphertext fails integrity verification
var ErrCorrupt = &Error{Kind: KindCorrupt}

// Kind classifies vault failures
type Kind string

const (
	KindCorrupt Kind = "corrupt"
)

// Error is a vault failure. It never carries plaintext or key material.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("vault: %s", e.Kind)
	}
	return fmt.Sprintf("vault: %s: %s", e.Kind, e.Msg)
}

// Is matches any *Error with the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Secret is decrypted credential material. It prints as [REDACTED]
// everywhere except Reveal.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext value
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the plaintext. Call it only at the point of use.
func (s Secret) Reveal() string { return s.value }

// Empty reports whether the secret holds no value
func (s Secret) Empty() bool { return s.value == "" }

func (s Secret) String() string               { return "[REDACTED]" }
func (s Secret) GoString() string             { return "[REDACTED]" }
func (s Secret) LogValue() slog.Value         { return slog.StringValue("[REDACTED]") }
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

// Vault is the process-wide encryption capability. The primary key encrypts;
// previous keys are accepted for decryption during rotation.
type Vault struct {
	primary  cipher.AEAD
	previous []cipher.AEAD
}

// New builds a vault from raw 32-byte keys
func New(primary []byte, previous ...[]byte) (*Vault, error) {
	aead, err := newAEAD(primary)
	if err != nil {
		return nil, err
	}
	v := &Vault{primary: aead}
	for _, k := range previous {
		old, err := newAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		v.previous = append(v.previous, old)
	}
	return v, nil
}

// FromSecrets derives AES keys from configured secret strings with HKDF-SHA256.
// previous may be empty.
func FromSecrets(primary string, previous ...string) (*Vault, error) {
	if primary == "" {
		return nil, errors.New("vault: encryption key is empty")
	}
	pk, err := deriveKey(primary)
	if err != nil {
		return nil, err
	}
	var old [][]byte
	for _, p := range previous {
		if p == "" {
			continue
		}
		k, err := deriveKey(p)
		if err != nil {
			return nil, err
		}
		old = append(old, k)
	}
	return New(pk, old...)
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with a fresh nonce. Output is "v1:" followed by
// base64url(nonce || ciphertext || tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.primary.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.primary.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any integrity failure returns
// ErrCorrupt.
func (v *Vault) Decrypt(ciphertext string) (Secret, error) {
	encoded, ok := strings.CutPrefix(ciphertext, versionPrefix)
	if !ok {
		return Secret{}, &Error{Kind: KindCorrupt, Msg: "unknown format"}
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Secret{}, &Error{Kind: KindCorrupt, Msg: "bad encoding"}
	}

	for _, aead := range append([]cipher.AEAD{v.primary}, v.previous...) {
		ns := aead.NonceSize()
		if len(data) < ns+aead.Overhead() {
			return Secret{}, &Error{Kind: KindCorrupt, Msg: "truncated"}
		}
		plain, err := aead.Open(nil, data[:ns], data[ns:], nil)
		if err == nil {
			return Secret{value: string(plain)}, nil
		}
	}
	return Secret{}, &Error{Kind: KindCorrupt, Msg: "authentication failed"}
}
