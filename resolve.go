package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// ErrResolution means the input does not name a usable account. Its message
// is safe to show to the user.
var ErrResolution = errors.New("could not resolve handle")

type ResolvedIdentity struct {
	Did    string
	Handle string
	Pds    string
}

type HandleResolver struct {
	dir identity.Directory
}

func NewHandleResolver(dir identity.Directory) *HandleResolver {
	if dir == nil {
		dir = identity.DefaultDirectory()
	}

	return &HandleResolver{dir: dir}
}

// NormalizeHandle strips a leading @, surrounding space, and case.
func NormalizeHandle(input string) string {
	s := strings.TrimSpace(input)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(strings.TrimSpace(s))
}

func isNotFound(err error) bool {
	return errors.Is(err, identity.ErrHandleNotFound) ||
		errors.Is(err, identity.ErrHandleMismatch) ||
		errors.Is(err, identity.ErrHandleNotDeclared) ||
		errors.Is(err, identity.ErrHandleReservedTLD) ||
		errors.Is(err, identity.ErrDIDNotFound) ||
		errors.Is(err, identity.ErrInvalidHandle)
}

// Resolve looks up the DID and PDS for a handle. A DID is accepted as input
// as well.
func (r *HandleResolver) Resolve(ctx context.Context, input string) (*ResolvedIdentity, error) {
	normalized := NormalizeHandle(input)
	if normalized == "" {
		return nil, fmt.Errorf("%w: handle is required", ErrResolution)
	}

	var ident *identity.Identity
	var err error

	if did, derr := syntax.ParseDID(normalized); derr == nil {
		ident, err = r.dir.LookupDID(ctx, did)
	} else {
		handle, herr := syntax.ParseHandle(normalized)
		if herr != nil {
			return nil, fmt.Errorf("%w: %q is not a valid handle", ErrResolution, normalized)
		}
		ident, err = r.dir.LookupHandle(ctx, handle)
	}

	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: no account found for %q", ErrResolution, normalized)
		}
		return nil, fmt.Errorf("identity lookup failed: %w", err)
	}

	pds := ident.PDSEndpoint()
	if pds == "" {
		return nil, fmt.Errorf("%w: %q has no personal data server", ErrResolution, normalized)
	}

	origin, err := httpsOrigin(pds)
	if err != nil {
		return nil, fmt.Errorf("%w: %q has an unusable personal data server", ErrResolution, normalized)
	}

	handle := normalized
	if !ident.Handle.IsInvalidHandle() && ident.Handle != "" {
		handle = ident.Handle.Normalize().String()
	}

	return &ResolvedIdentity{
		Did:    ident.DID.String(),
		Handle: handle,
		Pds:    origin,
	}, nil
}
