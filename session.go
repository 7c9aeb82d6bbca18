package oauth

import "time"

// refresh this long before the access token actually expires
const refreshWindow = 5 * time.Minute

// Session is the signed-in account. It outlives the OauthTransaction that
// created it and carries the dpop key its tokens are bound to.
type Session struct {
	Did                 string
	Handle              string
	Pds                 string
	AccessToken         string
	RefreshToken        string
	DisplayName         string
	Avatar              string
	Issuer              string
	TokenEndpoint       string
	DpopPrivateKeyPem   string
	DpopPublicJwk       DpopPublicJwk
	DpopAuthserverNonce string
	DpopPdsNonce        string
	ExpiresAt           time.Time
}

func (s *Session) DpopKey() *DpopKeyMaterial {
	return &DpopKeyMaterial{
		PublicJwk:     s.DpopPublicJwk,
		PrivateKeyPem: s.DpopPrivateKeyPem,
	}
}

func (s *Session) NeedsRefresh(now time.Time) bool {
	if s.RefreshToken == "" || s.ExpiresAt.IsZero() {
		return false
	}

	return s.ExpiresAt.Sub(now) <= refreshWindow
}

func expiresAt(now time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}

	return now.Add(time.Duration(expiresIn) * time.Second)
}
