// Package seal encrypts and authenticates small JSON payloads into opaque,
// cookie-safe tokens.
//
// A [Codec] holds an ordered list of keys. The first key seals; every key is
// tried when unsealing, so a secret can be rotated without invalidating tokens
// issued under the previous one.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenPrefix = "v1."
	kdfInfo     = "atproto-calendar seal v1"

	MinSecretLength = 16
)

var (
	ErrInvalidToken = errors.New("sealed token is invalid")
	ErrNoKeys       = errors.New("no sealing keys configured")
)

type Codec struct {
	aeads []cipher.AEAD
}

func NewCodec(secrets ...string) (*Codec, error) {
	if len(secrets) == 0 {
		return nil, ErrNoKeys
	}

	c := &Codec{}
	for i, s := range secrets {
		if len(s) < MinSecretLength {
			return nil, fmt.Errorf("sealing secret %d is shorter than %d bytes", i, MinSecretLength)
		}

		key, err := deriveKey(s)
		if err != nil {
			return nil, err
		}

		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("could not create cipher for secret %d: %w", i, err)
		}

		c.aeads = append(c.aeads, aead)
	}

	return c, nil
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(kdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("could not derive sealing key: %w", err)
	}

	return key, nil
}

// Seal serializes v to JSON and encrypts it under the active key.
func (c *Codec) Seal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("could not marshal payload: %w", err)
	}

	return c.SealBytes(b)
}

func (c *Codec) SealBytes(plaintext []byte) (string, error) {
	aead := c.aeads[0]

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("could not generate nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, plaintext, []byte(tokenPrefix))

	return tokenPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// UnsealBytes returns the plaintext of a token sealed under any configured
// key. Every failure is reported as ErrInvalidToken.
func (c *Codec) UnsealBytes(token string) ([]byte, error) {
	raw, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return nil, ErrInvalidToken
	}

	b, err := base64.RawURLEncoding.Strict().DecodeString(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}

	for _, aead := range c.aeads {
		if len(b) < aead.NonceSize()+aead.Overhead() {
			return nil, ErrInvalidToken
		}

		nonce, ciphertext := b[:aead.NonceSize()], b[aead.NonceSize():]
		plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(tokenPrefix))
		if err == nil {
			return plaintext, nil
		}
	}

	return nil, ErrInvalidToken
}

// Unseal decodes a token into a fresh T. Nothing is returned unless the
// token authenticates and the whole payload decodes.
func Unseal[T any](c *Codec, token string) (*T, error) {
	b, err := c.UnsealBytes(token)
	if err != nil {
		return nil, err
	}

	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, ErrInvalidToken
	}

	return &v, nil
}
