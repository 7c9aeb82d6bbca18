package main

import (
	"net/http"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleHealth(e echo.Context) error {
	if db, err := s.db.DB(); err != nil || db.PingContext(e.Request().Context()) != nil {
		return e.JSON(http.StatusServiceUnavailable, map[string]string{"status": "error"})
	}

	return e.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": versioninfo.Short(),
	})
}

func (s *Server) handleClientMetadata(e echo.Context) error {
	rp, err := s.login.RelyingParty(requestOrigin(e))
	if err != nil {
		s.logger.Error("cannot serve client metadata", "err", err)
		return e.JSON(http.StatusInternalServerError, errorBody("OAuth is not configured"))
	}

	e.Response().Header().Set("Cache-Control", "public, max-age=86400")

	return e.JSON(http.StatusOK, rp.ClientMetadata())
}
