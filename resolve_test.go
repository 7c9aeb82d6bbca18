package oauth

import (
	"context"
	"errors"
	"testing"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pdsIdentity(did, handle, pds string) identity.Identity {
	ident := identity.Identity{
		DID:    syntax.DID(did),
		Handle: syntax.Handle(handle),
	}
	if pds != "" {
		ident.Services = map[string]identity.Service{
			"atproto_pds": {
				Type: "AtprotoPersonalDataServer",
				URL:  pds,
			},
		}
	}
	return ident
}

func testDirectory() *identity.MockDirectory {
	dir := identity.NewMockDirectory()
	dir.Insert(pdsIdentity("did:plc:abc", "alice.bsky.social", "https://pds.example"))
	dir.Insert(pdsIdentity("did:plc:nopds", "nopds.example.com", ""))
	return &dir
}

type failingDirectory struct {
	identity.MockDirectory
}

func (failingDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*identity.Identity, error) {
	return nil, errors.New("dial tcp: i/o timeout")
}

func TestNormalizeHandle(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("alice.bsky.social", NormalizeHandle("  @Alice.Bsky.Social "))
	assert.Equal("alice.bsky.social", NormalizeHandle("alice.bsky.social"))
	assert.Equal("", NormalizeHandle(" @ "))
}

func TestResolveHandle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	r := NewHandleResolver(testDirectory())

	got, err := r.Resolve(ctx, "@Alice.bsky.social")
	require.NoError(t, err)
	assert.Equal("did:plc:abc", got.Did)
	assert.Equal("https://pds.example", got.Pds)
	assert.Equal("alice.bsky.social", got.Handle)

	got, err = r.Resolve(ctx, "did:plc:abc")
	require.NoError(t, err)
	assert.Equal("https://pds.example", got.Pds)
}

func TestResolveHandleUserErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	r := NewHandleResolver(testDirectory())

	for _, input := range []string{"", "not a handle", "bob.example.com", "nopds.example.com", "did:plc:zzz"} {
		_, err := r.Resolve(ctx, input)
		assert.ErrorIs(err, ErrResolution, input)
	}
}

func TestResolveHandleNetworkError(t *testing.T) {
	assert := assert.New(t)

	r := NewHandleResolver(&failingDirectory{identity.NewMockDirectory()})

	_, err := r.Resolve(context.Background(), "alice.bsky.social")
	assert.Error(err)
	assert.False(errors.Is(err, ErrResolution))
}
