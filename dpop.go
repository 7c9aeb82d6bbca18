package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var ErrDpopKeyMaterial = errors.New("failed to generate dpop key material")

// DpopPublicJwk is the minimal EC public JWK. Field order is the RFC 7638
// canonical member order, so marshaling it yields the thumbprint input.
type DpopPublicJwk struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k DpopPublicJwk) complete() bool {
	return k.Kty != "" && k.Crv != "" && k.X != "" && k.Y != ""
}

func (k DpopPublicJwk) Thumbprint() (string, error) {
	b, err := json.Marshal(k)
	if err != nil {
		return "", err
	}

	h := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(h[:]), nil
}

type DpopKeyMaterial struct {
	PublicJwk     DpopPublicJwk
	PrivateKeyPem string
	Jkt           string
}

func GenerateDpopKey() (*DpopKeyMaterial, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDpopKeyMaterial, err)
	}

	pubJwk, err := exportPublicJwk(&privKey.PublicKey)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDpopKeyMaterial, err)
	}

	jkt, err := pubJwk.Thumbprint()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDpopKeyMaterial, err)
	}

	return &DpopKeyMaterial{
		PublicJwk:     *pubJwk,
		PrivateKeyPem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		Jkt:           jkt,
	}, nil
}

func exportPublicJwk(pub *ecdsa.PublicKey) (*DpopPublicJwk, error) {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDpopKeyMaterial, err)
	}

	b, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDpopKeyMaterial, err)
	}

	var pubJwk DpopPublicJwk
	if err := json.Unmarshal(b, &pubJwk); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDpopKeyMaterial, err)
	}

	if !pubJwk.complete() {
		return nil, fmt.Errorf("%w: exported jwk is missing required fields", ErrDpopKeyMaterial)
	}

	return &pubJwk, nil
}

func parsePrivateKeyPem(s string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("dpop private key is not pem encoded")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse dpop private key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("dpop private key is not an ec key")
	}

	return ecKey, nil
}

type DpopProofArgs struct {
	Htu           string
	Htm           string
	PrivateKeyPem string
	PublicJwk     DpopPublicJwk
	AccessToken   string
	Nonce         string
}

// SignDpopProof builds a dpop+jwt for a single request. ES256 signatures from
// golang-jwt are the fixed-width r||s encoding the proof format requires.
func SignDpopProof(args DpopProofArgs) (string, error) {
	if !args.PublicJwk.complete() {
		return "", fmt.Errorf("dpop public jwk is incomplete")
	}

	privKey, err := parsePrivateKeyPem(args.PrivateKeyPem)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"iat": time.Now().Unix(),
		"htm": strings.ToUpper(args.Htm),
		"htu": args.Htu,
	}

	if args.AccessToken != "" {
		claims["ath"] = accessTokenHash(args.AccessToken)
	}

	if args.Nonce != "" {
		claims["nonce"] = args.Nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = map[string]string{
		"kty": args.PublicJwk.Kty,
		"crv": args.PublicJwk.Crv,
		"x":   args.PublicJwk.X,
		"y":   args.PublicJwk.Y,
	}

	tokenString, err := token.SignedString(privKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func accessTokenHash(accessToken string) string {
	h := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func (m *DpopKeyMaterial) Proof(method, url, nonce, accessToken string) (string, error) {
	return SignDpopProof(DpopProofArgs{
		Htu:           url,
		Htm:           method,
		PrivateKeyPem: m.PrivateKeyPem,
		PublicJwk:     m.PublicJwk,
		AccessToken:   accessToken,
		Nonce:         nonce,
	})
}
