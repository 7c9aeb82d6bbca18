package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionNeedsRefresh(t *testing.T) {
	assert := assert.New(t)
	now := time.Unix(1700000000, 0)

	sess := &Session{RefreshToken: "refresh", ExpiresAt: now.Add(time.Hour)}
	assert.False(sess.NeedsRefresh(now))

	sess.ExpiresAt = now.Add(4 * time.Minute)
	assert.True(sess.NeedsRefresh(now))

	sess.ExpiresAt = now.Add(-time.Minute)
	assert.True(sess.NeedsRefresh(now))

	sess.RefreshToken = ""
	assert.False(sess.NeedsRefresh(now))

	sess.RefreshToken = "refresh"
	sess.ExpiresAt = time.Time{}
	assert.False(sess.NeedsRefresh(now))
}

func TestExpiresAt(t *testing.T) {
	assert := assert.New(t)
	now := time.Unix(1700000000, 0)

	assert.Equal(now.Add(3600*time.Second), expiresAt(now, 3600))
	assert.True(expiresAt(now, 0).IsZero())
	assert.True(expiresAt(now, -5).IsZero())
}

func TestSessionDpopKey(t *testing.T) {
	assert := assert.New(t)

	sess := &Session{
		DpopPrivateKeyPem: "pem",
		DpopPublicJwk:     DpopPublicJwk{Kty: "EC", Crv: "P-256", X: "x", Y: "y"},
	}

	key := sess.DpopKey()
	assert.Equal("pem", key.PrivateKeyPem)
	assert.Equal(sess.DpopPublicJwk, key.PublicJwk)
}
