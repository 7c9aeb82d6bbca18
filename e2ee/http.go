package e2ee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const KeysPath = "/api/e2ee/keys"

// HTTPServerKeyStore talks to the key record api of a running service on
// behalf of a signed in browser session.
type HTTPServerKeyStore struct {
	h        *http.Client
	endpoint string
	cookie   string
}

type HTTPServerKeyStoreArgs struct {
	H       *http.Client
	BaseURL string
	// Cookie is sent verbatim, e.g. "session=...".
	Cookie string
}

func NewHTTPServerKeyStore(args HTTPServerKeyStoreArgs) (*HTTPServerKeyStore, error) {
	if args.BaseURL == "" {
		return nil, fmt.Errorf("no base url provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	return &HTTPServerKeyStore{
		h:        args.H,
		endpoint: strings.TrimRight(args.BaseURL, "/") + KeysPath,
		cookie:   args.Cookie,
	}, nil
}

func (s *HTTPServerKeyStore) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cookie != "" {
		req.Header.Set("Cookie", s.cookie)
	}

	return req, nil
}

func (s *HTTPServerKeyStore) LoadServerKey(ctx context.Context, userId string) (*ServerKeyRecord, error) {
	req, err := s.newRequest(ctx, "GET", nil)
	if err != nil {
		return nil, newError(CodeServerKeyLoad, "unable to load server wrapped key", err)
	}

	resp, err := s.h.Do(req)
	if err != nil {
		return nil, newError(CodeServerKeyLoad, "unable to load server wrapped key", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNotInitialized
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, newError(CodeServerKeyLoad, "unable to load server wrapped key", fmt.Errorf("status %d", resp.StatusCode))
	}

	var rec ServerKeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, newError(CodeServerKeyLoad, "unable to load server wrapped key", err)
	}

	return &rec, nil
}

func (s *HTTPServerKeyStore) SaveServerKey(ctx context.Context, userId string, wrapped WrappedDataKey) error {
	b, err := json.Marshal(wrapped)
	if err != nil {
		return newError(CodeServerKeySave, "unable to save wrapped data key", err)
	}

	req, err := s.newRequest(ctx, "PUT", bytes.NewReader(b))
	if err != nil {
		return newError(CodeServerKeySave, "unable to save wrapped data key", err)
	}

	resp, err := s.h.Do(req)
	if err != nil {
		return newError(CodeServerKeySave, "unable to save wrapped data key", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(CodeServerKeySave, "unable to save wrapped data key", fmt.Errorf("status %d", resp.StatusCode))
	}

	return nil
}
