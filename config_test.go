package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelyingPartyResolve(t *testing.T) {
	assert := assert.New(t)

	rp, err := RelyingPartyConfig{BaseURL: "https://cal.example/"}.Resolve("https://ignored.example")
	require.NoError(t, err)
	assert.Equal("https://cal.example", rp.BaseURL)
	assert.Equal("https://cal.example/oauth-client-metadata.json", rp.ClientId)
	assert.Equal("https://cal.example/api/atproto/callback", rp.RedirectUri)
	assert.Equal(DefaultScope, rp.Scope)

	rp, err = RelyingPartyConfig{}.Resolve("http://localhost:3000")
	require.NoError(t, err)
	assert.Equal("http://localhost:3000/oauth-client-metadata.json", rp.ClientId)

	rp, err = RelyingPartyConfig{
		BaseURL:     "https://cal.example",
		ClientId:    "https://other.example/client.json",
		RedirectUri: "https://other.example/cb",
		Scope:       "atproto",
	}.Resolve("")
	require.NoError(t, err)
	assert.Equal("https://other.example/client.json", rp.ClientId)
	assert.Equal("https://other.example/cb", rp.RedirectUri)
	assert.Equal("atproto", rp.Scope)
}

func TestRelyingPartyResolveMissing(t *testing.T) {
	assert := assert.New(t)

	_, err := RelyingPartyConfig{}.Resolve("")
	assert.ErrorIs(err, ErrConfig)

	_, err = RelyingPartyConfig{BaseURL: "not a url"}.Resolve("")
	assert.ErrorIs(err, ErrConfig)
}

func TestClientMetadata(t *testing.T) {
	assert := assert.New(t)

	rp, err := RelyingPartyConfig{BaseURL: "https://cal.example", ClientName: "One Calendar"}.Resolve("")
	require.NoError(t, err)

	meta := rp.ClientMetadata()
	assert.Equal("none", meta.TokenEndpointAuthMethod)
	assert.Equal([]string{"https://cal.example/api/atproto/callback"}, meta.RedirectUris)
	assert.Equal([]string{"code"}, meta.ResponseTypes)
	assert.Contains(meta.GrantTypes, "authorization_code")
	assert.Equal("One Calendar", meta.ClientName)
}
