package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"finbench/internal/domain"
)

// errorStatus maps the error taxonomy onto HTTP status codes and stable
// machine-readable codes.
func errorStatus(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, "bad_request"
	case errors.Is(err, domain.ErrAmbiguousSymbol):
		return http.StatusUnprocessableEntity, "ambiguous_symbol"
	case errors.Is(err, domain.ErrUnknownAssetType):
		return http.StatusUnprocessableEntity, "unknown_asset_type"
	case errors.Is(err, domain.ErrMalformedCode):
		return http.StatusUnprocessableEntity, "malformed_code"
	case errors.Is(err, domain.ErrNotRegistered):
		return http.StatusNotFound, "not_registered"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrHistoricalMismatch):
		return http.StatusConflict, "historical_mismatch"
	case errors.Is(err, domain.ErrSourceUnavailable):
		return http.StatusServiceUnavailable, "source_unavailable"
	case errors.Is(err, domain.ErrBadPayload):
		return http.StatusInternalServerError, "bad_payload"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code := errorStatus(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(he.Code)
		}
		if status == http.StatusNotFound {
			code = "not_found"
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
	}
	if werr := c.JSON(status, ErrorResponse{Error: msg, Code: code}); werr != nil {
		s.log.Error("encoding error response", "error", werr)
	}
}

func badRequest(err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
