package main

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/onecalendar/atproto-calendar-auth/e2ee"
)

func (s *Server) handleGetKeys(e echo.Context) error {
	did, ok := s.currentDid(e)
	if !ok {
		return e.JSON(http.StatusUnauthorized, errorBody("Unauthorized"))
	}

	rec, err := s.keys.LoadServerKey(e.Request().Context(), did)
	if errors.Is(err, e2ee.ErrNotInitialized) {
		return e.JSON(http.StatusNotFound, errorBody("Not found"))
	}
	if err != nil {
		s.logger.Error("could not load wrapped data key", "did", did, "err", err)
		return e.JSON(http.StatusInternalServerError, errorBody("Could not load key"))
	}

	e.Response().Header().Set("Cache-Control", "no-store")

	return e.JSON(http.StatusOK, rec)
}

func (s *Server) handlePutKeys(e echo.Context) error {
	did, ok := s.currentDid(e)
	if !ok {
		return e.JSON(http.StatusUnauthorized, errorBody("Unauthorized"))
	}

	var payload e2ee.WrappedDataKey
	if err := e.Bind(&payload); err != nil || payload.Validate() != nil {
		return e.JSON(http.StatusBadRequest, errorBody("Invalid wrapped data key payload"))
	}

	if err := s.keys.SaveServerKey(e.Request().Context(), did, payload); err != nil {
		s.logger.Error("could not save wrapped data key", "did", did, "err", err)
		return e.JSON(http.StatusInternalServerError, errorBody("Could not save key"))
	}

	s.metrics.keyWrites.Inc()

	return e.JSON(http.StatusOK, map[string]any{
		"success":    true,
		"keyVersion": payload.KeyVersion,
	})
}
