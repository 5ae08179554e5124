// Package secrets encrypts credentials at rest and masks them on the way out.
//
// Ciphertexts carry their key version: "v<N>:" + base64(nonce || sealed).
// Keys are derived from the master ENCRYPTION_KEY with HKDF-SHA256, one per
// version, so rotating means adding a version without re-encrypting old rows.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// CurrentVersion is the key version used for new ciphertexts.
const CurrentVersion = 1

var (
	ErrEmptyKey           = errors.New("secrets: master key is empty")
	ErrMalformed          = errors.New("secrets: malformed ciphertext")
	ErrUnsupportedVersion = errors.New("secrets: unsupported key version")
	ErrDecrypt            = errors.New("secrets: decryption failed")
)

// Cipher performs versioned AES-256-GCM encryption.
type Cipher struct {
	keys    map[int]cipher.AEAD
	current int
}

// NewCipher derives the per-version keys from masterKey.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, ErrEmptyKey
	}
	c := &Cipher{keys: make(map[int]cipher.AEAD), current: CurrentVersion}
	for v := 1; v <= CurrentVersion; v++ {
		aead, err := deriveAEAD([]byte(masterKey), v)
		if err != nil {
			return nil, err
		}
		c.keys[v] = aead
	}
	return c, nil
}

func deriveAEAD(master []byte, version int) (cipher.AEAD, error) {
	info := fmt.Sprintf("pharmahub:credentials:v%d", version)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secrets: key derivation: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the current key version.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	aead := c.keys[c.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return "v" + strconv.Itoa(c.current) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt under any known version.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	head, body, ok := strings.Cut(ciphertext, ":")
	if !ok || !strings.HasPrefix(head, "v") {
		return "", ErrMalformed
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil {
		return "", ErrMalformed
	}
	aead, ok := c.keys[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnsupportedVersion, version)
	}

	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", ErrMalformed
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// IsEncrypted reports whether s looks like a versioned ciphertext.
func IsEncrypted(s string) bool {
	head, _, ok := strings.Cut(s, ":")
	if !ok || len(head) < 2 || head[0] != 'v' {
		return false
	}
	_, err := strconv.Atoi(head[1:])
	return err == nil
}

// maskRevealMin is the shortest value Mask reveals any characters of.
const maskRevealMin = 16

// Mask reveals the first and last four characters of s, so never more than
// half of it. Values shorter than maskRevealMin are fully hidden.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) < maskRevealMin {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
