package helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Number of random bytes behind a PKCE verifier. Encodes to 43 characters,
// the minimum verifier length RFC 7636 allows.
const pkceVerifierBytes = 32

type PkcePair struct {
	Verifier  string
	Challenge string
}

func GenerateToken(len int) (string, error) {
	b := make([]byte, len)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// GenerateNonce returns len random bytes as unpadded base64url.
func GenerateNonce(len int) (string, error) {
	b := make([]byte, len)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func GenerateCodeChallenge(pkceVerifier string) string {
	h := sha256.New()
	h.Write([]byte(pkceVerifier))
	hash := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(hash)
}

func NewPkcePair() (*PkcePair, error) {
	verifier, err := GenerateNonce(pkceVerifierBytes)
	if err != nil {
		return nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	return &PkcePair{
		Verifier:  verifier,
		Challenge: GenerateCodeChallenge(verifier),
	}, nil
}

func HashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
