package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/onecalendar/atproto-calendar-auth/internal/helpers"
	"github.com/onecalendar/atproto-calendar-auth/seal"
)

const (
	OauthTxnCookie = "atproto_oauth_txn"
	OauthTxnTTL    = 600 * time.Second
)

var (
	ErrNoCookieSecret = errors.New("no cookie secret configured for oauth transactions")
	ErrReplay         = errors.New("oauth transaction already consumed")
)

// OauthTransaction is the in-flight login, held by the browser in a sealed
// cookie between login initiation and the callback.
type OauthTransaction struct {
	Jti               string        `json:"jti"`
	State             string        `json:"state"`
	Verifier          string        `json:"verifier"`
	Handle            string        `json:"handle"`
	Pds               string        `json:"pds"`
	Did               string        `json:"did"`
	Issuer            string        `json:"iss"`
	TokenEndpoint     string        `json:"tokenEndpoint"`
	DpopNonce         string        `json:"dpopNonce,omitempty"`
	DpopPrivateKeyPem string        `json:"dpopPrivateKeyPem"`
	DpopPublicJwk     DpopPublicJwk `json:"dpopPublicJwk"`
	IssuedAt          int64         `json:"issuedAt"`
}

func (t *OauthTransaction) DpopKey() *DpopKeyMaterial {
	return &DpopKeyMaterial{
		PublicJwk:     t.DpopPublicJwk,
		PrivateKeyPem: t.DpopPrivateKeyPem,
	}
}

type TxnStore struct {
	codec  *seal.Codec
	replay ReplayCache
	ttl    time.Duration
	now    func() time.Time
}

// NewTxnStore builds a store sealing with codec. A nil codec is allowed so a
// missing secret surfaces on use as ErrNoCookieSecret.
func NewTxnStore(codec *seal.Codec, replay ReplayCache) *TxnStore {
	if replay == nil {
		replay = NewMemReplayCache()
	}

	return &TxnStore{
		codec:  codec,
		replay: replay,
		ttl:    OauthTxnTTL,
		now:    time.Now,
	}
}

func (s *TxnStore) Now() time.Time {
	return s.now()
}

func (s *TxnStore) Configured() bool {
	return s.codec != nil
}

func (s *TxnStore) Begin(w http.ResponseWriter, txn *OauthTransaction, secure bool) error {
	if s.codec == nil {
		return ErrNoCookieSecret
	}

	value, err := s.codec.Seal(txn)
	if err != nil {
		return fmt.Errorf("could not seal oauth transaction: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     OauthTxnCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	return nil
}

// Read returns the transaction carried by r, or nil when it is absent,
// cannot be unsealed, or has outlived the ttl.
func (s *TxnStore) Read(r *http.Request) *OauthTransaction {
	if s.codec == nil {
		return nil
	}

	cookie, err := r.Cookie(OauthTxnCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}

	txn, err := seal.Unseal[OauthTransaction](s.codec, cookie.Value)
	if err != nil {
		return nil
	}

	if txn.IssuedAt == 0 || s.now().Unix()-txn.IssuedAt > int64(s.ttl/time.Second) {
		return nil
	}

	return txn
}

// Consume marks txn used. The replay cache is keyed by a hash of the jti so
// raw transaction ids are never stored.
func (s *TxnStore) Consume(ctx context.Context, txn *OauthTransaction) error {
	if txn == nil || txn.Jti == "" {
		return fmt.Errorf("transaction has no id")
	}

	ok, err := s.replay.Claim(ctx, helpers.HashString(txn.Jti), s.ttl)
	if err != nil {
		return err
	}

	if !ok {
		return ErrReplay
	}

	return nil
}

func (s *TxnStore) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     OauthTxnCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
