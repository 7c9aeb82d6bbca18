package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestResolvePDSAuthServer(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	authServer, err := env.client.ResolvePDSAuthServer(ctx, "https://pds.example")

	assert.NoError(err)
	assert.Equal("https://pds.example", authServer)

	_, err = env.client.ResolvePDSAuthServer(ctx, "http://pds.example")
	assert.Error(err)

	_, err = env.client.ResolvePDSAuthServer(ctx, "https://unknown.example")
	assert.Error(err)
}

func TestFetchAuthServerMetadata(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	meta, err := env.client.FetchAuthServerMetadata(ctx, "https://pds.example")

	require.NoError(t, err)
	assert.Equal("https://pds.example/oauth/token", meta.TokenEndpoint)

	env.as.issuer = "https://other.example"
	_, err = env.client.FetchAuthServerMetadata(ctx, "https://pds.example")
	assert.Error(err)
}

func TestDiscoverAuthEndpoints(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	endpoints, err := env.client.DiscoverAuthEndpoints(ctx, "https://pds.example")
	require.NoError(t, err)

	assert.Equal("https://pds.example", endpoints.Issuer)
	assert.Equal("https://pds.example/oauth/authorize", endpoints.AuthorizationEndpoint)
	assert.Equal("https://pds.example/oauth/par", endpoints.ParEndpoint)
	assert.False(endpoints.RequirePar)

	env.as.noDiscovery = true
	_, err = env.client.DiscoverAuthEndpoints(ctx, "https://pds.example")
	assert.Error(err)
}

func TestFallbackAuthEndpoints(t *testing.T) {
	assert := assert.New(t)

	endpoints, err := FallbackAuthEndpoints("https://PDS.example/")
	require.NoError(t, err)
	assert.Equal("https://pds.example", endpoints.Issuer)
	assert.Equal("https://pds.example/oauth/authorize", endpoints.AuthorizationEndpoint)
	assert.Equal("https://pds.example/oauth/token", endpoints.TokenEndpoint)

	_, err = FallbackAuthEndpoints("http://pds.example")
	assert.Error(err)
}

func TestInitialTokenRequest(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	dpop, err := GenerateDpopKey()
	require.NoError(t, err)

	tok, err := env.client.InitialTokenRequest(ctx, "https://pds.example/oauth/token", "https://app.example/oauth-client-metadata.json", "https://app.example/api/atproto/callback", "code-1", "verifier-1", "", dpop)
	require.NoError(t, err)

	assert.Equal("access-1", tok.AccessToken)
	assert.Equal("did:plc:abc", tok.Sub)
	assert.EqualValues(3600, tok.ExpiresIn)

	assert.Equal("authorization_code", env.as.lastForm.Get("grant_type"))
	assert.Equal("code-1", env.as.lastForm.Get("code"))
	assert.Equal("verifier-1", env.as.lastForm.Get("code_verifier"))
	assert.Equal("POST", env.as.lastClaims["htm"])
	assert.Equal("https://pds.example/oauth/token", env.as.lastClaims["htu"])
	assert.Equal("dpop+jwt", env.as.lastHeader["typ"])
}

func TestTokenRequestNonceHandshake(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	env.as.requireNonce = "server-nonce-1"

	dpop, err := GenerateDpopKey()
	require.NoError(t, err)

	tok, err := env.client.InitialTokenRequest(ctx, "https://pds.example/oauth/token", "cid", "https://app.example/cb", "code-1", "v", "", dpop)
	require.NoError(t, err)

	assert.Equal(2, env.as.TokenCalls())
	assert.Equal("server-nonce-1", env.as.lastClaims["nonce"])
	assert.Equal("server-nonce-1", tok.DpopAuthserverNonce)

	// a remembered nonce skips the handshake
	_, err = env.client.InitialTokenRequest(ctx, "https://pds.example/oauth/token", "cid", "https://app.example/cb", "code-1", "v", "server-nonce-1", dpop)
	require.NoError(t, err)
	assert.Equal(3, env.as.TokenCalls())
}

func TestTokenRequestErrors(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	dpop, err := GenerateDpopKey()
	require.NoError(t, err)

	env.as.tokenStatus = http.StatusBadRequest
	env.as.tokenBody = map[string]any{"error": "invalid_grant", "error_description": "code expired"}

	_, err = env.client.InitialTokenRequest(ctx, "https://pds.example/oauth/token", "cid", "https://app.example/cb", "code-1", "v", "", dpop)
	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(http.StatusBadRequest, tokErr.StatusCode)
	assert.Equal("invalid_grant", tokErr.ErrorCode)

	env.as.tokenStatus = http.StatusOK
	env.as.tokenBody = map[string]any{"token_type": "DPoP"}

	_, err = env.client.InitialTokenRequest(ctx, "https://pds.example/oauth/token", "cid", "https://app.example/cb", "code-1", "v", "", dpop)
	require.ErrorAs(t, err, &tokErr)
	assert.Equal("missing_access_token", tokErr.ErrorCode)

	_, err = env.client.InitialTokenRequest(ctx, "http://pds.example/oauth/token", "cid", "https://app.example/cb", "code-1", "v", "", dpop)
	assert.Error(err)
	assert.False(errorAsTokenError(err))
}

func errorAsTokenError(err error) bool {
	_, ok := err.(*TokenError)
	return ok
}

func TestRefreshTokenRequest(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	dpop, err := GenerateDpopKey()
	require.NoError(t, err)

	env.as.tokenBody["access_token"] = "access-2"

	tok, err := env.client.RefreshTokenRequest(ctx, "https://pds.example/oauth/token", "cid", "refresh-1", "", dpop)
	require.NoError(t, err)

	assert.Equal("access-2", tok.AccessToken)
	assert.Equal("refresh_token", env.as.lastForm.Get("grant_type"))
	assert.Equal("refresh-1", env.as.lastForm.Get("refresh_token"))
}

func TestSendParAuthRequest(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	env.as.requireNonce = "par-nonce"

	dpop, err := GenerateDpopKey()
	require.NoError(t, err)

	endpoints, err := env.client.DiscoverAuthEndpoints(ctx, "https://pds.example")
	require.NoError(t, err)

	resp, err := env.client.SendParAuthRequest(ctx, endpoints, url.Values{"state": {"s"}}, dpop)
	require.NoError(t, err)

	assert.Equal("urn:ietf:params:oauth:request_uri:req-1", resp.RequestUri)
	assert.Equal("par-nonce", resp.DpopAuthserverNonce)
	assert.Equal("s", env.as.lastForm.Get("state"))

	_, err = env.client.SendParAuthRequest(ctx, &AuthEndpoints{}, url.Values{}, dpop)
	assert.Error(err)
}

func TestFetchProfile(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	profile, err := env.client.FetchProfile(ctx, "did:plc:abc")
	require.NoError(t, err)

	assert.Equal("did:plc:abc", profile.Did)
	assert.Equal("alice.bsky.social", profile.Handle)
	assert.Equal("Alice", profile.DisplayName)

	env.appview.fail = true
	_, err = env.client.FetchProfile(ctx, "did:plc:abc")
	assert.Error(err)
}

func TestFetchProfileRecord(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	env.as.profileRecord = testProfileRecord("Alice (pds)")
	env.as.pdsNonce = "pds-nonce-1"

	key, err := GenerateDpopKey()
	require.NoError(t, err)

	record, err := env.client.FetchProfileRecord(ctx, ProfileRecordArgs{
		Pds:         "https://pds.example",
		Did:         "did:plc:abc",
		AccessToken: "access-1",
		Dpop:        key,
	})
	require.NoError(t, err)

	assert.Equal("Alice (pds)", record.DisplayName)
	assert.Equal("https://pds.example/xrpc/com.atproto.sync.getBlob?cid="+testAvatarCid+"&did=did%3Aplc%3Aabc", record.Avatar)
	assert.Equal("pds-nonce-1", record.DpopPdsNonce)

	// first attempt is answered with use_dpop_nonce
	assert.Equal(2, env.as.recordCalls)
	assert.Equal("DPoP access-1", env.as.recordAuth)

	sum := sha256.Sum256([]byte("access-1"))
	assert.Equal(base64.RawURLEncoding.EncodeToString(sum[:]), env.as.recordClaims["ath"])
	assert.Equal("GET", env.as.recordClaims["htm"])
	assert.Equal("https://pds.example/xrpc/com.atproto.repo.getRecord", env.as.recordClaims["htu"])
	assert.Equal("pds-nonce-1", env.as.recordClaims["nonce"])
}

func TestFetchProfileRecordErrors(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	key, err := GenerateDpopKey()
	require.NoError(t, err)

	args := ProfileRecordArgs{
		Pds:         "https://pds.example",
		Did:         "did:plc:abc",
		AccessToken: "access-1",
		Dpop:        key,
	}

	// no profile record on the pds
	_, err = env.client.FetchProfileRecord(ctx, args)
	assert.Error(err)

	noToken := args
	noToken.AccessToken = ""
	_, err = env.client.FetchProfileRecord(ctx, noToken)
	assert.Error(err)

	insecure := args
	insecure.Pds = "http://pds.example"
	_, err = env.client.FetchProfileRecord(ctx, insecure)
	assert.Error(err)
}

func TestNewClientRejectsInsecureProfileHost(t *testing.T) {
	_, err := NewClient(ClientArgs{ProfileHost: "http://appview.example"})
	assert.Error(t, err)
}
