package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// hostRouter serves requests for named hosts from in-process handlers, so
// https urls without ports can be exercised without a network.
type hostRouter map[string]http.Handler

func (hr hostRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	h, ok := hr[req.URL.Host]
	if !ok {
		return nil, fmt.Errorf("dial tcp: lookup %s: no such host", req.URL.Host)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

type fakeAuthServer struct {
	mu sync.Mutex

	issuer       string
	requirePar   bool
	requireNonce string
	noDiscovery  bool

	tokenStatus int
	tokenBody   map[string]any

	parCalls   int
	tokenCalls int
	lastForm   url.Values
	lastClaims jwt.MapClaims
	lastHeader map[string]any

	// the same host doubles as the account's pds
	profileRecord map[string]any
	pdsNonce      string
	recordCalls   int
	recordAuth    string
	recordClaims  jwt.MapClaims
}

func newFakeAuthServer() *fakeAuthServer {
	return &fakeAuthServer{
		issuer:      "https://pds.example",
		tokenStatus: http.StatusOK,
		tokenBody: map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "DPoP",
			"scope":         DefaultScope,
			"expires_in":    3600,
			"sub":           "did:plc:abc",
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *fakeAuthServer) metadata() map[string]any {
	m := map[string]any{
		"issuer":                                s.issuer,
		"authorization_endpoint":                s.issuer + "/oauth/authorize",
		"token_endpoint":                        s.issuer + "/oauth/token",
		"pushed_authorization_request_endpoint": s.issuer + "/oauth/par",
		"require_pushed_authorization_requests": s.requirePar,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "private_key_jwt"},
		"scopes_supported":                      []string{"atproto", "transition:generic"},
		"dpop_signing_alg_values_supported":     []string{"ES256"},
	}
	return m
}

// checkProof records the dpop proof and reports whether the caller should
// be told to retry with a nonce.
func (s *fakeAuthServer) checkProof(w http.ResponseWriter, r *http.Request) bool {
	proof := r.Header.Get("DPoP")
	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(proof, claims)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof"})
		return false
	}

	s.lastClaims = claims
	s.lastHeader = tok.Header

	if s.requireNonce != "" && claims["nonce"] != s.requireNonce {
		w.Header().Set("DPoP-Nonce", s.requireNonce)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		return false
	}

	if s.requireNonce != "" {
		w.Header().Set("DPoP-Nonce", s.requireNonce)
	}

	return true
}

func (s *fakeAuthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.Method == "GET" && r.URL.Path == "/.well-known/oauth-protected-resource":
		if s.noDiscovery {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"resource":              s.issuer,
			"authorization_servers": []string{s.issuer},
		})
	case r.Method == "GET" && r.URL.Path == "/.well-known/oauth-authorization-server":
		writeJSON(w, http.StatusOK, s.metadata())
	case r.Method == "POST" && r.URL.Path == "/oauth/par":
		s.parCalls++
		r.ParseForm()
		s.lastForm = r.PostForm
		if !s.checkProof(w, r) {
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"request_uri": "urn:ietf:params:oauth:request_uri:req-1",
			"expires_in":  60,
		})
	case r.Method == "POST" && r.URL.Path == "/oauth/token":
		s.tokenCalls++
		r.ParseForm()
		s.lastForm = r.PostForm
		if !s.checkProof(w, r) {
			return
		}
		writeJSON(w, s.tokenStatus, s.tokenBody)
	case r.Method == "GET" && r.URL.Path == "/xrpc/com.atproto.repo.getRecord":
		s.serveProfileRecord(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *fakeAuthServer) serveProfileRecord(w http.ResponseWriter, r *http.Request) {
	s.recordCalls++
	s.recordAuth = r.Header.Get("Authorization")

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(r.Header.Get("DPoP"), claims); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_dpop_proof"})
		return
	}
	s.recordClaims = claims

	if s.pdsNonce != "" {
		w.Header().Set("DPoP-Nonce", s.pdsNonce)
		if claims["nonce"] != s.pdsNonce {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "use_dpop_nonce", "message": "nonce required"})
			return
		}
	}

	q := r.URL.Query()
	if s.profileRecord == nil || q.Get("collection") != "app.bsky.actor.profile" || q.Get("rkey") != "self" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "RecordNotFound", "message": "no record"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uri":   "at://" + q.Get("repo") + "/app.bsky.actor.profile/self",
		"value": s.profileRecord,
	})
}

const testAvatarCid = "bafkreiehxpuhtr5f6v4eu4byjo2j7kkrhjvd7psmfu4imnpdzb3bdqb7vy"

func testProfileRecord(displayName string) map[string]any {
	return map[string]any{
		"$type":       "app.bsky.actor.profile",
		"displayName": displayName,
		"avatar": map[string]any{
			"$type":    "blob",
			"ref":      map[string]string{"$link": testAvatarCid},
			"mimeType": "image/jpeg",
			"size":     1024,
		},
	}
}

func (s *fakeAuthServer) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

type fakeAppview struct {
	fail bool
}

func (a *fakeAppview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.fail || r.URL.Path != "/xrpc/app.bsky.actor.getProfile" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "InternalServerError"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"did":         r.URL.Query().Get("actor"),
		"handle":      "alice.bsky.social",
		"displayName": "Alice",
		"avatar":      "https://cdn.example/alice.jpg",
	})
}

type testEnv struct {
	as      *fakeAuthServer
	appview *fakeAppview
	client  *Client
}

func newTestEnv(t *testing.T) *testEnv {
	as := newFakeAuthServer()
	appview := &fakeAppview{}

	client, err := NewClient(ClientArgs{
		H: &http.Client{Transport: hostRouter{
			"pds.example":         as,
			"public.api.bsky.app": appview,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{as: as, appview: appview, client: client}
}
