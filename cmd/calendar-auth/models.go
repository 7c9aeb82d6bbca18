package main

import (
	"encoding/json"
	"time"

	oauth "github.com/onecalendar/atproto-calendar-auth"
)

type OauthSession struct {
	ID                  uint
	Did                 string `gorm:"uniqueIndex"`
	Handle              string
	PdsUrl              string
	AuthserverIss       string
	TokenEndpoint       string
	AccessToken         string
	RefreshToken        string
	DisplayName         string
	Avatar              string
	DpopAuthserverNonce string
	DpopPdsNonce        string
	DpopPrivateKeyPem   string
	DpopPublicJwk       string
	Expiration          time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func oauthSessionRow(sess *oauth.Session) (*OauthSession, error) {
	jwk, err := json.Marshal(sess.DpopPublicJwk)
	if err != nil {
		return nil, err
	}

	return &OauthSession{
		Did:                 sess.Did,
		Handle:              sess.Handle,
		PdsUrl:              sess.Pds,
		AuthserverIss:       sess.Issuer,
		TokenEndpoint:       sess.TokenEndpoint,
		AccessToken:         sess.AccessToken,
		RefreshToken:        sess.RefreshToken,
		DisplayName:         sess.DisplayName,
		Avatar:              sess.Avatar,
		DpopAuthserverNonce: sess.DpopAuthserverNonce,
		DpopPdsNonce:        sess.DpopPdsNonce,
		DpopPrivateKeyPem:   sess.DpopPrivateKeyPem,
		DpopPublicJwk:       string(jwk),
		Expiration:          sess.ExpiresAt,
	}, nil
}

func (o *OauthSession) session() (*oauth.Session, error) {
	var jwk oauth.DpopPublicJwk
	if err := json.Unmarshal([]byte(o.DpopPublicJwk), &jwk); err != nil {
		return nil, err
	}

	return &oauth.Session{
		Did:                 o.Did,
		Handle:              o.Handle,
		Pds:                 o.PdsUrl,
		AccessToken:         o.AccessToken,
		RefreshToken:        o.RefreshToken,
		DisplayName:         o.DisplayName,
		Avatar:              o.Avatar,
		Issuer:              o.AuthserverIss,
		TokenEndpoint:       o.TokenEndpoint,
		DpopPrivateKeyPem:   o.DpopPrivateKeyPem,
		DpopPublicJwk:       jwk,
		DpopAuthserverNonce: o.DpopAuthserverNonce,
		DpopPdsNonce:        o.DpopPdsNonce,
		ExpiresAt:           o.Expiration,
	}, nil
}
