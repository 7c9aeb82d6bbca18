package main

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	oauth "github.com/onecalendar/atproto-calendar-auth"
)

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

type loginRequest struct {
	Handle string `json:"handle"`
}

type loginResponse struct {
	AuthorizeUrl string `json:"authorizeUrl"`
	Pds          string `json:"pds"`
	Did          string `json:"did"`
}

// sameOrigin rejects browser posts from another site. Requests without an
// Origin header are not from a browser form and pass.
func (s *Server) sameOrigin(e echo.Context) bool {
	origin := e.Request().Header.Get("Origin")
	if origin == "" {
		return true
	}

	rp, err := s.login.RelyingParty(requestOrigin(e))
	if err != nil {
		return false
	}

	u, err := url.Parse(rp.BaseURL)
	if err != nil {
		return false
	}

	return strings.EqualFold(strings.TrimRight(origin, "/"), u.Scheme+"://"+u.Host)
}

func (s *Server) handleLogin(e echo.Context) error {
	if !s.sameOrigin(e) {
		s.metrics.loginStarts.WithLabelValues("forbidden").Inc()
		return e.JSON(http.StatusForbidden, errorBody("Cross-site login request rejected"))
	}

	var req loginRequest
	if err := e.Bind(&req); err != nil {
		return e.JSON(http.StatusBadRequest, errorBody("Invalid request body"))
	}

	handle := oauth.NormalizeHandle(req.Handle)
	if handle == "" {
		return e.JSON(http.StatusBadRequest, errorBody("Handle is required"))
	}

	if ok, _ := s.loginLimiter.Allow(e.RealIP() + "|" + handle); !ok {
		s.metrics.loginStarts.WithLabelValues("rate_limited").Inc()
		return e.JSON(http.StatusTooManyRequests, errorBody("Too many login attempts, try again later"))
	}

	if !s.txns.Configured() {
		s.metrics.loginStarts.WithLabelValues("config").Inc()
		s.logger.Error("login attempted without a cookie secret")
		return e.JSON(http.StatusInternalServerError, errorBody("OAuth is not configured"))
	}

	start, err := s.login.StartLogin(e.Request().Context(), handle, requestOrigin(e))
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrResolution):
			s.metrics.loginStarts.WithLabelValues("resolution").Inc()
			return e.JSON(http.StatusBadRequest, errorBody(err.Error()))
		case errors.Is(err, oauth.ErrConfig):
			s.metrics.loginStarts.WithLabelValues("config").Inc()
			s.logger.Error("oauth misconfigured", "err", err)
			return e.JSON(http.StatusInternalServerError, errorBody("OAuth is not configured"))
		default:
			s.metrics.loginStarts.WithLabelValues("error").Inc()
			s.logger.Error("could not start login", "handle", handle, "err", err)
			return e.JSON(http.StatusBadGateway, errorBody("Could not start login"))
		}
	}

	if err := s.txns.Begin(e.Response(), start.Txn, isSecure(e)); err != nil {
		s.logger.Error("could not store oauth transaction", "err", err)
		return e.JSON(http.StatusInternalServerError, errorBody("Could not start login"))
	}

	// a stale session must not survive into a login for another account
	s.clearSessionCookie(e)

	s.metrics.loginStarts.WithLabelValues("ok").Inc()

	return e.JSON(http.StatusOK, loginResponse{
		AuthorizeUrl: start.AuthorizeUrl,
		Pds:          start.Pds,
		Did:          start.Did,
	})
}

func (s *Server) failLogin(e echo.Context, code oauth.ErrorCode, err error) error {
	s.metrics.callbacks.WithLabelValues(string(code)).Inc()
	s.logger.Warn("oauth callback failed", "code", code, "err", err)

	s.clearSessionCookie(e)

	return e.Redirect(http.StatusFound, s.cfg.LoginPath+"?error="+url.QueryEscape(string(code)))
}

func (s *Server) handleCallback(e echo.Context) error {
	ctx := e.Request().Context()

	if !s.txns.Configured() {
		return s.failLogin(e, oauth.CodeConfig, oauth.ErrNoCookieSecret)
	}

	txn := s.txns.Read(e.Request())
	s.txns.Clear(e.Response())

	sess, err := s.login.CompleteLogin(ctx, txn, e.QueryParams(), requestOrigin(e))
	if err != nil {
		return s.failLogin(e, oauth.ErrorCodeOf(err), err)
	}

	if err := s.saveOauthSession(ctx, sess); err != nil {
		return s.failLogin(e, oauth.CodeUnknown, err)
	}

	if err := s.setSessionDid(e, sess.Did); err != nil {
		return s.failLogin(e, oauth.CodeUnknown, err)
	}

	s.metrics.callbacks.WithLabelValues("ok").Inc()

	return e.Redirect(http.StatusFound, s.cfg.AppPath)
}

func (s *Server) handleLogout(e echo.Context) error {
	if did, ok := s.currentDid(e); ok {
		if err := s.deleteOauthSession(e.Request().Context(), did); err != nil {
			s.logger.Error("could not delete session", "did", did, "err", err)
			return e.JSON(http.StatusInternalServerError, errorBody("Could not sign out"))
		}
	}

	s.clearSessionCookie(e)
	s.txns.Clear(e.Response())

	return e.JSON(http.StatusOK, map[string]bool{"success": true})
}

type sessionResponse struct {
	SignedIn    bool   `json:"signedIn"`
	Handle      string `json:"handle,omitempty"`
	Did         string `json:"did,omitempty"`
	Pds         string `json:"pds,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

func (s *Server) handleSession(e echo.Context) error {
	e.Response().Header().Set("Cache-Control", "no-store")

	did, ok := s.currentDid(e)
	if !ok {
		return e.JSON(http.StatusOK, sessionResponse{SignedIn: false})
	}

	sess, err := s.getOauthSession(e.Request().Context(), did, requestOrigin(e))
	if err != nil {
		s.logger.Error("could not load session", "did", did, "err", err)
		return e.JSON(http.StatusOK, sessionResponse{SignedIn: false})
	}

	if sess == nil {
		return e.JSON(http.StatusOK, sessionResponse{SignedIn: false})
	}

	if s.login.UpdateProfileFromPds(e.Request().Context(), sess) {
		if err := s.saveOauthSession(e.Request().Context(), sess); err != nil {
			s.logger.Warn("could not store profile update", "did", did, "err", err)
		}
	}

	return e.JSON(http.StatusOK, sessionResponse{
		SignedIn:    true,
		Handle:      sess.Handle,
		Did:         sess.Did,
		Pds:         sess.Pds,
		DisplayName: sess.DisplayName,
		Avatar:      sess.Avatar,
	})
}
