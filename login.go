package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/onecalendar/atproto-calendar-auth/internal/helpers"
)

type ErrorCode string

// Codes surfaced to the browser as ?error= on the login page.
const (
	CodeState   ErrorCode = "oauth_state"
	CodeConfig  ErrorCode = "oauth_config"
	CodeToken   ErrorCode = "oauth_token"
	CodeSub     ErrorCode = "oauth_sub"
	CodeUnknown ErrorCode = "oauth_unknown"
	CodeReplay  ErrorCode = "oauth_replay"
)

type CallbackError struct {
	Code ErrorCode
	Err  error
}

func (e *CallbackError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

func callbackErr(code ErrorCode, format string, args ...any) *CallbackError {
	return &CallbackError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ErrorCodeOf maps any error from the login flow onto a browser-safe code.
func ErrorCodeOf(err error) ErrorCode {
	var cbErr *CallbackError
	if errors.As(err, &cbErr) {
		return cbErr.Code
	}

	if errors.Is(err, ErrConfig) || errors.Is(err, ErrNoCookieSecret) {
		return CodeConfig
	}

	return CodeUnknown
}

const DefaultStepTimeout = 10 * time.Second

type LoginManager struct {
	client      *Client
	resolver    *HandleResolver
	txns        *TxnStore
	rp          RelyingPartyConfig
	stepTimeout time.Duration
	logger      *slog.Logger
}

type LoginManagerArgs struct {
	Client       *Client
	Resolver     *HandleResolver
	Transactions *TxnStore
	RelyingParty RelyingPartyConfig
	StepTimeout  time.Duration
	Logger       *slog.Logger
}

func NewLoginManager(args LoginManagerArgs) (*LoginManager, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no oauth client provided")
	}

	if args.Resolver == nil {
		return nil, fmt.Errorf("no handle resolver provided")
	}

	if args.Transactions == nil {
		return nil, fmt.Errorf("no transaction store provided")
	}

	if args.StepTimeout == 0 {
		args.StepTimeout = DefaultStepTimeout
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &LoginManager{
		client:      args.Client,
		resolver:    args.Resolver,
		txns:        args.Transactions,
		rp:          args.RelyingParty,
		stepTimeout: args.StepTimeout,
		logger:      args.Logger,
	}, nil
}

func (m *LoginManager) RelyingParty(requestOrigin string) (*RelyingParty, error) {
	return m.rp.Resolve(requestOrigin)
}

type LoginStart struct {
	AuthorizeUrl string
	Handle       string
	Pds          string
	Did          string
	Txn          *OauthTransaction
}

// StartLogin resolves the handle and prepares everything the callback will
// need. The caller persists the returned transaction.
func (m *LoginManager) StartLogin(ctx context.Context, handle, requestOrigin string) (*LoginStart, error) {
	rp, err := m.rp.Resolve(requestOrigin)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, m.stepTimeout)
	ident, err := m.resolver.Resolve(rctx, handle)
	cancel()
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, m.stepTimeout)
	endpoints, err := m.client.DiscoverAuthEndpoints(dctx, ident.Pds)
	cancel()
	if err != nil {
		m.logger.Warn("auth server discovery failed, using pds endpoints", "pds", ident.Pds, "err", err)
		endpoints, err = FallbackAuthEndpoints(ident.Pds)
		if err != nil {
			return nil, fmt.Errorf("%w: unusable personal data server", ErrResolution)
		}
	}

	pkce, err := helpers.NewPkcePair()
	if err != nil {
		return nil, err
	}

	dpop, err := GenerateDpopKey()
	if err != nil {
		return nil, err
	}

	state, err := helpers.GenerateNonce(16)
	if err != nil {
		return nil, fmt.Errorf("could not generate state: %w", err)
	}

	txn := &OauthTransaction{
		Jti:               uuid.NewString(),
		State:             state,
		Verifier:          pkce.Verifier,
		Handle:            ident.Handle,
		Pds:               ident.Pds,
		Did:               ident.Did,
		Issuer:            endpoints.Issuer,
		TokenEndpoint:     endpoints.TokenEndpoint,
		DpopPrivateKeyPem: dpop.PrivateKeyPem,
		DpopPublicJwk:     dpop.PublicJwk,
		IssuedAt:          m.txns.Now().Unix(),
	}

	params := url.Values{
		"client_id":             {rp.ClientId},
		"redirect_uri":          {rp.RedirectUri},
		"response_type":         {"code"},
		"scope":                 {rp.Scope},
		"state":                 {state},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"dpop_jkt":              {dpop.Jkt},
		"login_hint":            {ident.Handle},
	}

	authorizeUrl, err := url.Parse(endpoints.AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	if endpoints.RequirePar {
		pctx, cancel := context.WithTimeout(ctx, m.stepTimeout)
		parResp, err := m.client.SendParAuthRequest(pctx, endpoints, params, dpop)
		cancel()
		if err != nil {
			return nil, err
		}

		txn.DpopNonce = parResp.DpopAuthserverNonce
		authorizeUrl.RawQuery = url.Values{
			"client_id":   {rp.ClientId},
			"request_uri": {parResp.RequestUri},
		}.Encode()
	} else {
		authorizeUrl.RawQuery = params.Encode()
	}

	m.logger.Info("starting oauth login", "did", ident.Did, "pds", ident.Pds, "par", endpoints.RequirePar)

	return &LoginStart{
		AuthorizeUrl: authorizeUrl.String(),
		Handle:       ident.Handle,
		Pds:          ident.Pds,
		Did:          ident.Did,
		Txn:          txn,
	}, nil
}

// CompleteLogin validates a callback against its transaction and exchanges
// the code. Every error is a *CallbackError.
func (m *LoginManager) CompleteLogin(ctx context.Context, txn *OauthTransaction, query url.Values, requestOrigin string) (*Session, error) {
	code := query.Get("code")
	state := query.Get("state")
	iss := query.Get("iss")

	if txn == nil {
		return nil, callbackErr(CodeState, "no oauth transaction")
	}

	if code == "" || state == "" {
		return nil, callbackErr(CodeState, "callback missing code or state")
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(txn.State)) != 1 {
		return nil, callbackErr(CodeState, "state mismatch")
	}

	if iss != "" {
		issOrigin, err := httpsOrigin(iss)
		if err != nil || issOrigin != txn.Issuer {
			return nil, callbackErr(CodeState, "issuer mismatch")
		}
	}

	if err := m.txns.Consume(ctx, txn); err != nil {
		if errors.Is(err, ErrReplay) {
			return nil, &CallbackError{Code: CodeReplay, Err: err}
		}
		return nil, &CallbackError{Code: CodeUnknown, Err: err}
	}

	rp, err := m.rp.Resolve(requestOrigin)
	if err != nil {
		return nil, &CallbackError{Code: CodeConfig, Err: err}
	}

	if !txn.DpopPublicJwk.complete() || txn.DpopPrivateKeyPem == "" {
		return nil, callbackErr(CodeState, "transaction has no dpop key")
	}

	tokenEndpoint := txn.TokenEndpoint
	if tokenEndpoint == "" {
		fallback, err := FallbackAuthEndpoints(txn.Pds)
		if err != nil {
			return nil, callbackErr(CodeState, "transaction has unusable pds: %w", err)
		}
		tokenEndpoint = fallback.TokenEndpoint
	}

	tctx, cancel := context.WithTimeout(ctx, m.stepTimeout)
	tok, err := m.client.InitialTokenRequest(tctx, tokenEndpoint, rp.ClientId, rp.RedirectUri, code, txn.Verifier, txn.DpopNonce, txn.DpopKey())
	cancel()
	if err != nil {
		var tokErr *TokenError
		if errors.As(err, &tokErr) {
			return nil, &CallbackError{Code: CodeToken, Err: err}
		}
		return nil, &CallbackError{Code: CodeUnknown, Err: err}
	}

	if tok.Sub == "" {
		return nil, callbackErr(CodeSub, "token response has no sub")
	}

	if txn.Did != "" && tok.Sub != txn.Did {
		return nil, callbackErr(CodeSub, "token subject does not match resolved did")
	}

	sess := &Session{
		Did:                 tok.Sub,
		Handle:              txn.Handle,
		Pds:                 txn.Pds,
		AccessToken:         tok.AccessToken,
		RefreshToken:        tok.RefreshToken,
		Issuer:              txn.Issuer,
		TokenEndpoint:       tokenEndpoint,
		DpopPrivateKeyPem:   txn.DpopPrivateKeyPem,
		DpopPublicJwk:       txn.DpopPublicJwk,
		DpopAuthserverNonce: tok.DpopAuthserverNonce,
		ExpiresAt:           expiresAt(m.txns.Now(), tok.ExpiresIn),
	}

	m.enrichProfile(ctx, sess)

	m.logger.Info("oauth login complete", "did", sess.Did, "handle", sess.Handle)

	return sess, nil
}

// enrichProfile is best effort; the handle captured at login stands in for
// anything the appview or pds cannot provide.
func (m *LoginManager) enrichProfile(ctx context.Context, sess *Session) {
	pctx, cancel := context.WithTimeout(ctx, m.stepTimeout)
	profile, err := m.client.FetchProfile(pctx, sess.Did)
	cancel()
	if err != nil {
		m.logger.Debug("profile fetch failed", "did", sess.Did, "err", err)
	} else {
		if profile.Handle != "" && profile.Handle != "handle.invalid" {
			sess.Handle = profile.Handle
		}
		sess.DisplayName = profile.DisplayName
		sess.Avatar = profile.Avatar
	}

	m.UpdateProfileFromPds(ctx, sess)
}

// UpdateProfileFromPds reads the profile record from the account's pds with
// the session's tokens and reports whether sess changed. Failures leave sess
// as it was.
func (m *LoginManager) UpdateProfileFromPds(ctx context.Context, sess *Session) bool {
	if sess.AccessToken == "" || sess.Pds == "" || !sess.DpopPublicJwk.complete() {
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, m.stepTimeout)
	defer cancel()

	record, err := m.client.FetchProfileRecord(pctx, ProfileRecordArgs{
		Pds:         sess.Pds,
		Did:         sess.Did,
		AccessToken: sess.AccessToken,
		Dpop:        sess.DpopKey(),
		Nonce:       sess.DpopPdsNonce,
	})
	if err != nil {
		m.logger.Debug("profile record fetch failed", "did", sess.Did, "err", err)
		return false
	}

	changed := false
	if record.DpopPdsNonce != sess.DpopPdsNonce {
		sess.DpopPdsNonce = record.DpopPdsNonce
		changed = true
	}
	if record.DisplayName != "" && record.DisplayName != sess.DisplayName {
		sess.DisplayName = record.DisplayName
		changed = true
	}
	if record.Avatar != "" && record.Avatar != sess.Avatar {
		sess.Avatar = record.Avatar
		changed = true
	}

	return changed
}

// RefreshSession trades the session refresh token for new tokens.
func (m *LoginManager) RefreshSession(ctx context.Context, sess *Session, requestOrigin string) (*Session, error) {
	if sess.RefreshToken == "" || sess.TokenEndpoint == "" {
		return nil, fmt.Errorf("session cannot be refreshed")
	}

	rp, err := m.rp.Resolve(requestOrigin)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, m.stepTimeout)
	defer cancel()

	tok, err := m.client.RefreshTokenRequest(rctx, sess.TokenEndpoint, rp.ClientId, sess.RefreshToken, sess.DpopAuthserverNonce, sess.DpopKey())
	if err != nil {
		return nil, err
	}

	if tok.Sub != "" && tok.Sub != sess.Did {
		return nil, fmt.Errorf("refreshed token subject does not match session")
	}

	updated := *sess
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.DpopAuthserverNonce = tok.DpopAuthserverNonce
	updated.ExpiresAt = expiresAt(m.txns.Now(), tok.ExpiresIn)

	return &updated, nil
}
