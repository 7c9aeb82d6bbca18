package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	oauth "github.com/onecalendar/atproto-calendar-auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const sessionCookieName = "session"

func requestOrigin(e echo.Context) string {
	return e.Scheme() + "://" + e.Request().Host
}

func isSecure(e echo.Context) bool {
	return e.Scheme() == "https"
}

func (s *Server) sessionOptions(e echo.Context, maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   isSecure(e),
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) currentDid(e echo.Context) (string, bool) {
	sess, err := session.Get(sessionCookieName, e)
	if err != nil {
		return "", false
	}

	did, ok := sess.Values["did"].(string)
	if !ok || did == "" {
		return "", false
	}

	return did, true
}

func (s *Server) setSessionDid(e echo.Context, did string) error {
	sess, err := session.Get(sessionCookieName, e)
	if err != nil && sess == nil {
		return err
	}

	sess.Options = s.sessionOptions(e, 86400*7)

	// make sure the session is empty
	sess.Values = map[interface{}]interface{}{}
	sess.Values["did"] = did

	return sess.Save(e.Request(), e.Response())
}

func (s *Server) clearSessionCookie(e echo.Context) {
	sess, err := session.Get(sessionCookieName, e)
	if sess == nil {
		s.logger.Debug("could not load session cookie", "err", err)
		return
	}

	sess.Options = s.sessionOptions(e, -1)
	sess.Values = map[interface{}]interface{}{}

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		s.logger.Warn("could not clear session cookie", "err", err)
	}
}

func (s *Server) saveOauthSession(ctx context.Context, sess *oauth.Session) error {
	row, err := oauthSessionRow(sess)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns(oauthSessionColumns),
	}).Create(row).Error
}

var oauthSessionColumns = []string{
	"handle",
	"pds_url",
	"authserver_iss",
	"token_endpoint",
	"access_token",
	"refresh_token",
	"display_name",
	"avatar",
	"dpop_authserver_nonce",
	"dpop_pds_nonce",
	"dpop_private_key_pem",
	"dpop_public_jwk",
	"expiration",
	"updated_at",
}

func (s *Server) deleteOauthSession(ctx context.Context, did string) error {
	return s.db.WithContext(ctx).Where("did = ?", did).Delete(&OauthSession{}).Error
}

// getOauthSession loads the session for did, refreshing its tokens when they
// are close to expiry. A failed refresh leaves the stored session as is.
func (s *Server) getOauthSession(ctx context.Context, did, origin string) (*oauth.Session, error) {
	var row OauthSession
	if err := s.db.WithContext(ctx).Where("did = ?", did).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	sess, err := row.session()
	if err != nil {
		return nil, err
	}

	if !sess.NeedsRefresh(s.txns.Now()) {
		return sess, nil
	}

	refreshed, err := s.login.RefreshSession(ctx, sess, origin)
	if err != nil {
		s.metrics.refreshes.WithLabelValues("error").Inc()
		s.logger.Warn("token refresh failed", "did", did, "err", err)
		return sess, nil
	}

	if err := s.saveOauthSession(ctx, refreshed); err != nil {
		s.logger.Warn("could not store refreshed session", "did", did, "err", err)
	}

	s.metrics.refreshes.WithLabelValues("ok").Inc()

	return refreshed, nil
}
