package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/carlmjohnson/versioninfo"
)

const (
	DefaultProfileHost = "https://public.api.bsky.app"

	maxResponseBody = 1 << 20
)

type Client struct {
	h           *http.Client
	profileHost string
	userAgent   string
}

type ClientArgs struct {
	H           *http.Client
	ProfileHost string
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.H == nil {
		args.H = &http.Client{
			Timeout: 5 * time.Second,
		}
	}

	if args.ProfileHost == "" {
		args.ProfileHost = DefaultProfileHost
	}

	if _, err := isSafeAndParsed(args.ProfileHost); err != nil {
		return nil, fmt.Errorf("invalid profile host: %w", err)
	}

	return &Client{
		h:           args.H,
		profileHost: trimTrailingSlash(args.ProfileHost),
		userAgent:   "atproto-calendar-auth/" + versioninfo.Short(),
	}, nil
}

func (c *Client) ResolvePDSAuthServer(ctx context.Context, ustr string) (string, error) {
	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return "", err
	}

	u.Path = "/.well-known/oauth-protected-resource"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("error creating request for oauth protected resource: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.h.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not get response from server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("received non-200 response from pds. code was %d", resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("could not read body: %w", err)
	}

	var resource OauthProtectedResource
	if err := resource.UnmarshalJSON(b); err != nil {
		return "", fmt.Errorf("could not unmarshal json: %w", err)
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", fmt.Errorf("oauth protected resource contained no authorization servers")
	}

	return resource.AuthorizationServers[0], nil
}

func (c *Client) FetchAuthServerMetadata(ctx context.Context, ustr string) (*OauthAuthorizationMetadata, error) {
	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return nil, err
	}

	u.Path = "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request to fetch auth metadata: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting response for auth metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf(
			"received non-200 response from pds. status code was %d",
			resp.StatusCode,
		)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("could not read body for metadata response: %w", err)
	}

	var metadata OauthAuthorizationMetadata
	if err := metadata.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("could not unmarshal metadata: %w", err)
	}

	if err := metadata.Validate(u); err != nil {
		return nil, fmt.Errorf("could not validate metadata: %w", err)
	}

	return &metadata, nil
}

// DiscoverAuthEndpoints finds the authorization server protecting a PDS.
func (c *Client) DiscoverAuthEndpoints(ctx context.Context, pds string) (*AuthEndpoints, error) {
	authserver, err := c.ResolvePDSAuthServer(ctx, pds)
	if err != nil {
		return nil, err
	}

	meta, err := c.FetchAuthServerMetadata(ctx, authserver)
	if err != nil {
		return nil, err
	}

	issuer, err := httpsOrigin(meta.Issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer in metadata: %w", err)
	}

	return &AuthEndpoints{
		Issuer:                issuer,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
		ParEndpoint:           meta.PushedAuthorizationRequestEndpoint,
		RequirePar:            meta.RequirePushedAuthorizationRequests,
	}, nil
}

// FallbackAuthEndpoints assumes the PDS is its own authorization server at
// the conventional paths.
func FallbackAuthEndpoints(pds string) (*AuthEndpoints, error) {
	origin, err := httpsOrigin(pds)
	if err != nil {
		return nil, err
	}

	return &AuthEndpoints{
		Issuer:                origin,
		AuthorizationEndpoint: origin + "/oauth/authorize",
		TokenEndpoint:         origin + "/oauth/token",
	}, nil
}

type dpopResponse struct {
	statusCode int
	body       []byte
	nonce      string
}

func isUseDpopNonce(statusCode int, body []byte) bool {
	if statusCode != http.StatusBadRequest && statusCode != http.StatusUnauthorized {
		return false
	}

	var rmap map[string]any
	if err := json.Unmarshal(body, &rmap); err != nil {
		return false
	}

	return rmap["error"] == "use_dpop_nonce"
}

// postFormWithDpop sends a form POST carrying a dpop proof. A use_dpop_nonce
// answer is replayed once with the server supplied nonce.
func (c *Client) postFormWithDpop(ctx context.Context, endpoint string, params url.Values, dpop *DpopKeyMaterial, nonce string) (*dpopResponse, error) {
	if _, err := isSafeAndParsed(endpoint); err != nil {
		return nil, err
	}

	body := []byte(params.Encode())

	for range 2 {
		proof, err := dpop.Proof("POST", endpoint, nonce, "")
		if err != nil {
			return nil, fmt.Errorf("error getting dpop proof: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("DPoP", proof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, err
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("could not read response body: %w", err)
		}

		serverNonce := resp.Header.Get("DPoP-Nonce")
		if isUseDpopNonce(resp.StatusCode, b) && serverNonce != "" && serverNonce != nonce {
			nonce = serverNonce
			continue
		}

		if serverNonce != "" {
			nonce = serverNonce
		}

		return &dpopResponse{
			statusCode: resp.StatusCode,
			body:       b,
			nonce:      nonce,
		}, nil
	}

	return nil, fmt.Errorf("server kept rejecting dpop nonce")
}

func isSuccess(statusCode int) bool {
	return statusCode == http.StatusOK || statusCode == http.StatusCreated
}

type SendParAuthResponse struct {
	RequestUri          string
	DpopAuthserverNonce string
}

func (c *Client) SendParAuthRequest(ctx context.Context, endpoints *AuthEndpoints, params url.Values, dpop *DpopKeyMaterial) (*SendParAuthResponse, error) {
	if endpoints == nil || endpoints.ParEndpoint == "" {
		return nil, fmt.Errorf("no pushed authorization request endpoint")
	}

	resp, err := c.postFormWithDpop(ctx, endpoints.ParEndpoint, params, dpop, "")
	if err != nil {
		return nil, err
	}

	if !isSuccess(resp.statusCode) {
		return nil, fmt.Errorf("pushed authorization request failed with status %d", resp.statusCode)
	}

	var rmap map[string]any
	if err := json.Unmarshal(resp.body, &rmap); err != nil {
		return nil, fmt.Errorf("could not unmarshal par response: %w", err)
	}

	requestUri, _ := rmap["request_uri"].(string)
	if requestUri == "" {
		return nil, fmt.Errorf("par response did not include request_uri")
	}

	return &SendParAuthResponse{
		RequestUri:          requestUri,
		DpopAuthserverNonce: resp.nonce,
	}, nil
}

func decodeTokenResponse(resp *dpopResponse) (*TokenResponse, error) {
	if !isSuccess(resp.statusCode) {
		tokErr := &TokenError{}
		// error bodies are not always json
		_ = json.Unmarshal(resp.body, tokErr)
		tokErr.StatusCode = resp.statusCode
		if tokErr.ErrorCode == "" {
			tokErr.ErrorCode = "token_exchange_failed"
		}
		return nil, tokErr
	}

	var tokenResponse TokenResponse
	if err := json.Unmarshal(resp.body, &tokenResponse); err != nil {
		return nil, fmt.Errorf("could not unmarshal token response: %w", err)
	}

	if tokenResponse.AccessToken == "" {
		return nil, &TokenError{StatusCode: resp.statusCode, ErrorCode: "missing_access_token"}
	}

	tokenResponse.DpopAuthserverNonce = resp.nonce

	return &tokenResponse, nil
}

func (c *Client) InitialTokenRequest(
	ctx context.Context,
	tokenEndpoint,
	clientId,
	redirectUri,
	code,
	pkceVerifier,
	dpopAuthserverNonce string,
	dpop *DpopKeyMaterial,
) (*TokenResponse, error) {
	params := url.Values{
		"client_id":     {clientId},
		"redirect_uri":  {redirectUri},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {pkceVerifier},
	}

	resp, err := c.postFormWithDpop(ctx, tokenEndpoint, params, dpop, dpopAuthserverNonce)
	if err != nil {
		return nil, err
	}

	return decodeTokenResponse(resp)
}

func (c *Client) RefreshTokenRequest(
	ctx context.Context,
	tokenEndpoint,
	clientId,
	refreshToken,
	dpopAuthserverNonce string,
	dpop *DpopKeyMaterial,
) (*TokenResponse, error) {
	params := url.Values{
		"client_id":     {clientId},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	resp, err := c.postFormWithDpop(ctx, tokenEndpoint, params, dpop, dpopAuthserverNonce)
	if err != nil {
		return nil, err
	}

	return decodeTokenResponse(resp)
}

// FetchProfile reads the public profile for an account from the appview.
func (c *Client) FetchProfile(ctx context.Context, did string) (*Profile, error) {
	xrpcCli := &xrpc.Client{
		Client:    c.h,
		Host:      c.profileHost,
		UserAgent: &c.userAgent,
	}

	out, err := bsky.ActorGetProfile(ctx, xrpcCli, did)
	if err != nil {
		return nil, fmt.Errorf("could not fetch profile: %w", err)
	}

	profile := &Profile{
		Did:    out.Did,
		Handle: strings.ToLower(out.Handle),
	}

	if out.DisplayName != nil {
		profile.DisplayName = *out.DisplayName
	}

	if out.Avatar != nil {
		profile.Avatar = *out.Avatar
	}

	return profile, nil
}

type ProfileRecordArgs struct {
	Pds         string
	Did         string
	AccessToken string
	Dpop        *DpopKeyMaterial
	Nonce       string
}

type ProfileRecord struct {
	DisplayName  string
	Avatar       string
	DpopPdsNonce string
}

// nonceRecorder keeps the last DPoP-Nonce handed out by a resource server.
type nonceRecorder struct {
	base  http.RoundTripper
	nonce string
}

func (n *nonceRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := n.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if v := resp.Header.Get("DPoP-Nonce"); v != "" {
		n.nonce = v
	}

	return resp, nil
}

func isXrpcUseDpopNonce(err error) bool {
	var xerr *xrpc.XRPCError
	return errors.As(err, &xerr) && xerr.ErrStr == "use_dpop_nonce"
}

// FetchProfileRecord reads the account's own app.bsky.actor.profile record
// from its PDS with the session's dpop bound access token.
func (c *Client) FetchProfileRecord(ctx context.Context, args ProfileRecordArgs) (*ProfileRecord, error) {
	if _, err := isSafeAndParsed(args.Pds); err != nil {
		return nil, fmt.Errorf("invalid pds: %w", err)
	}

	if args.AccessToken == "" || args.Dpop == nil {
		return nil, fmt.Errorf("profile record fetch needs an access token and dpop key")
	}

	host := trimTrailingSlash(args.Pds)
	htu := host + "/xrpc/com.atproto.repo.getRecord"

	base := c.h.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	rec := &nonceRecorder{base: base}
	h := &http.Client{Transport: rec, Timeout: c.h.Timeout}

	nonce := args.Nonce
	for range 2 {
		proof, err := args.Dpop.Proof("GET", htu, nonce, args.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("error getting dpop proof: %w", err)
		}

		xrpcCli := &xrpc.Client{
			Client:    h,
			Host:      host,
			UserAgent: &c.userAgent,
			Headers: map[string]string{
				"Authorization": "DPoP " + args.AccessToken,
				"DPoP":          proof,
			},
		}

		out, err := comatproto.RepoGetRecord(ctx, xrpcCli, "", "app.bsky.actor.profile", args.Did, "self")
		if err != nil {
			if isXrpcUseDpopNonce(err) && rec.nonce != "" && rec.nonce != nonce {
				nonce = rec.nonce
				continue
			}
			return nil, fmt.Errorf("could not fetch profile record: %w", err)
		}

		if rec.nonce != "" {
			nonce = rec.nonce
		}

		record := &ProfileRecord{DpopPdsNonce: nonce}

		if out.Value == nil {
			return record, nil
		}

		profile, ok := out.Value.Val.(*bsky.ActorProfile)
		if !ok {
			return nil, fmt.Errorf("unexpected profile record type %T", out.Value.Val)
		}

		if profile.DisplayName != nil {
			record.DisplayName = *profile.DisplayName
		}

		if profile.Avatar != nil && profile.Avatar.Ref.Defined() {
			record.Avatar = BlobURL(host, args.Did, profile.Avatar.Ref.String())
		}

		return record, nil
	}

	return nil, fmt.Errorf("pds kept rejecting dpop nonce")
}

// BlobURL points at a blob served directly by the account's PDS.
func BlobURL(pds, did, cid string) string {
	q := url.Values{"did": {did}, "cid": {cid}}
	return trimTrailingSlash(pds) + "/xrpc/com.atproto.sync.getBlob?" + q.Encode()
}
