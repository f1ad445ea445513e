// Package seal provides authenticated encryption of small values at rest,
// such as persisted OAuth token records.
//
// Sealed format: [keyID] "." base64url(nonce || AEAD.Seal(plaintext, aad))
//
// Keys maps key ids to raw keys. KeyID selects the key used for sealing; every
// key in Keys is accepted when opening, which allows key rotation.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrFormat  = errors.New("seal: invalid sealed value format")
	ErrInvalid = errors.New("seal: sealed value failed authentication")
	ErrConfig  = errors.New("seal: invalid configuration")
)

// maxSealedLen bounds the input Open will decode and allocate for.
const maxSealedLen = 64 << 10

// KeySize is the key size of the default AEAD (XChaCha20-Poly1305).
const KeySize = chacha20poly1305.KeySize

// Codec seals and opens byte strings.
type Codec struct {
	KeyID string
	Keys  map[string][]byte

	// NewAEAD constructs the AEAD for a key. Defaults to chacha20poly1305.NewX.
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// Option configures a Codec.
type Option func(*Codec)

// WithAEAD sets a custom AEAD factory (e.g. AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) Option {
	return func(c *Codec) {
		c.NewAEAD = f
	}
}

// New validates the key set and returns a Codec.
func New(keyID string, keys map[string][]byte, opts ...Option) (*Codec, error) {
	c := &Codec{
		KeyID:   keyID,
		Keys:    keys,
		NewAEAD: chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key id %q not found", ErrConfig, keyID)
	}
	if c.NewAEAD == nil {
		return nil, fmt.Errorf("%w: nil AEAD factory", ErrConfig)
	}
	for id, k := range keys {
		if _, err := c.NewAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrConfig, id, err)
		}
	}
	return c, nil
}

// Seal encrypts plain. aad binds the value to its context (for example a file
// path or profile name) and must be supplied again to Open.
func (c *Codec) Seal(plain, aad []byte) (string, error) {
	if c == nil {
		return "", ErrConfig
	}
	key, ok := c.Keys[c.KeyID]
	if !ok {
		return "", ErrConfig
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return c.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a value produced by Seal.
func (c *Codec) Open(value string, aad []byte) ([]byte, error) {
	if c == nil {
		return nil, ErrConfig
	}
	value = strings.TrimSpace(value)
	if len(value) == 0 || len(value) > maxSealedLen {
		return nil, ErrFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrFormat
	}
	key, ok := c.Keys[keyID]
	if !ok {
		return nil, ErrInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrFormat
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrInvalid
	}
	return plain, nil
}

// SealValue CBOR-encodes v and seals it.
func (c *Codec) SealValue(v any, aad []byte) (string, error) {
	plain, err := cbor.Marshal(v)
	if err != nil {
		return "", err
	}
	return c.Seal(plain, aad)
}

// OpenValue opens value and CBOR-decodes it into v.
func (c *Codec) OpenValue(value string, aad []byte, v any) error {
	plain, err := c.Open(value, aad)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(plain, v)
}

// DecodeKey parses a base64 (standard or URL, padded or not) encoded key.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: key is not valid base64", ErrConfig)
}

// GenerateKey returns a random key of KeySize bytes.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}
