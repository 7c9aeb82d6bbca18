package oauth

import (
	"errors"
	"fmt"
	"net/url"
)

const (
	DefaultScope = "atproto transition:generic"

	clientMetadataPath = "/oauth-client-metadata.json"
	callbackPath       = "/api/atproto/callback"
)

var ErrConfig = errors.New("oauth client is not configured")

// RelyingPartyConfig is the static part of the client identity. Fields left
// empty are derived from BaseURL, or from the request origin when BaseURL is
// empty too.
type RelyingPartyConfig struct {
	BaseURL     string
	ClientId    string
	RedirectUri string
	Scope       string
	ClientName  string
}

type RelyingParty struct {
	BaseURL     string
	ClientId    string
	RedirectUri string
	Scope       string
	ClientName  string
}

func (c RelyingPartyConfig) Resolve(requestOrigin string) (*RelyingParty, error) {
	base := c.BaseURL
	if base == "" {
		base = requestOrigin
	}

	base = trimTrailingSlash(base)
	if base == "" {
		return nil, fmt.Errorf("%w: no base url", ErrConfig)
	}

	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrConfig, base)
	}

	rp := &RelyingParty{
		BaseURL:     base,
		ClientId:    c.ClientId,
		RedirectUri: c.RedirectUri,
		Scope:       c.Scope,
		ClientName:  c.ClientName,
	}

	if rp.ClientId == "" {
		rp.ClientId = base + clientMetadataPath
	}

	if rp.RedirectUri == "" {
		rp.RedirectUri = base + callbackPath
	}

	if rp.Scope == "" {
		rp.Scope = DefaultScope
	}

	return rp, nil
}

func (rp *RelyingParty) ClientMetadata() ClientMetadata {
	return ClientMetadata{
		ClientId:                rp.ClientId,
		ClientName:              rp.ClientName,
		ClientUri:               rp.BaseURL,
		ApplicationType:         "web",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		RedirectUris:            []string{rp.RedirectUri},
		Scope:                   rp.Scope,
		TokenEndpointAuthMethod: "none",
		DpopBoundAccessTokens:   true,
	}
}
