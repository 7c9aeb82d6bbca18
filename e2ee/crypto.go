package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	recoveryGroupSize = 8
	gcmNonceSize      = 12
)

func randomKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// FormatRecoveryKey renders raw key bytes as standard base64 split into
// dash separated groups of eight.
func FormatRecoveryKey(raw []byte) string {
	compact := base64.StdEncoding.EncodeToString(raw)

	var groups []string
	for len(compact) > recoveryGroupSize {
		groups = append(groups, compact[:recoveryGroupSize])
		compact = compact[recoveryGroupSize:]
	}
	groups = append(groups, compact)

	return strings.Join(groups, "-")
}

func GenerateRecoveryKey() (string, error) {
	raw, err := randomKey()
	if err != nil {
		return "", err
	}
	return FormatRecoveryKey(raw), nil
}

// ParseRecoveryKey accepts a recovery key as typed by a person, with or
// without dashes and whitespace.
func ParseRecoveryKey(input string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, input)

	raw, err := base64.StdEncoding.Strict().DecodeString(cleaned)
	if err != nil || len(raw) != KeySize {
		return nil, ErrInvalidRecoveryKey
	}

	return raw, nil
}

func wrapInfo(keyVersion int) []byte {
	return []byte(fmt.Sprintf("atproto-calendar e2ee wrap v%d", keyVersion))
}

// deriveWrappingKey binds a recovery key to one key version, so an envelope
// written for one version never opens under another.
func deriveWrappingKey(recovery []byte, keyVersion int) ([]byte, error) {
	r := hkdf.New(sha256.New, recovery, nil, wrapInfo(keyVersion))

	k := make([]byte, KeySize)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("could not derive wrapping key: %w", err)
	}

	return k, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sealEnvelope(key, plaintext []byte) (*Envelope, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, plaintext, nil)),
		Iv:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

func openEnvelope(key []byte, env Envelope) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv, err := base64.StdEncoding.Strict().DecodeString(env.Iv)
	if err != nil || len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("malformed iv")
	}

	ct, err := base64.StdEncoding.Strict().DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext")
	}

	return aead.Open(nil, iv, ct, nil)
}

func wrapDataKey(dataKey, wrappingKey []byte, keyVersion int) (*WrappedDataKey, error) {
	env, err := sealEnvelope(wrappingKey, dataKey)
	if err != nil {
		return nil, err
	}

	return &WrappedDataKey{
		Envelope:   *env,
		Alg:        AlgAESGCM,
		KeyVersion: keyVersion,
	}, nil
}

func unwrapDataKey(w WrappedDataKey, wrappingKey []byte) ([]byte, error) {
	if w.Alg != AlgAESGCM {
		return nil, fmt.Errorf("unsupported wrapping algorithm %q", w.Alg)
	}

	dataKey, err := openEnvelope(wrappingKey, w.Envelope)
	if err != nil {
		return nil, err
	}

	if len(dataKey) != KeySize {
		return nil, fmt.Errorf("unwrapped key has wrong length")
	}

	return dataKey, nil
}
