package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retrievald/internal/metadata"
	"github.com/fyrsmithlabs/retrievald/internal/retrieval"
	"github.com/fyrsmithlabs/retrievald/internal/vectorindex"
)

// Stable error kinds. Kinds are part of the API contract; message text is
// not.
const (
	kindInvalidRequest      = "InvalidRequest"
	kindDimensionMismatch   = "DimensionMismatch"
	kindNotFound            = "NotFound"
	kindOverloaded          = "Overloaded"
	kindUpstreamUnavailable = "UpstreamUnavailable"
	kindDeadlineExceeded    = "DeadlineExceeded"
	kindInternal            = "Internal"
)

// writeError maps an engine error onto the uniform envelope. Internal errors
// are never silently swallowed: they are logged before the 500 goes out.
func (s *Server) writeError(c echo.Context, err error) error {
	kind, status := classify(err)
	if kind == kindInternal {
		s.logger.Error("internal error",
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
	}
	return c.JSON(status, errorResponse{
		Success: false,
		Error:   kind,
		Message: err.Error(),
	})
}

func classify(err error) (kind string, status int) {
	switch {
	case errors.Is(err, vectorindex.ErrDimensionMismatch):
		return kindDimensionMismatch, http.StatusBadRequest
	case errors.Is(err, retrieval.ErrInvalidQuery),
		errors.Is(err, retrieval.ErrInvalidRequest),
		errors.Is(err, vectorindex.ErrUnknownModality):
		return kindInvalidRequest, http.StatusBadRequest
	case errors.Is(err, metadata.ErrNotFound),
		errors.Is(err, metadata.ErrUnknownDocument):
		return kindNotFound, http.StatusNotFound
	case errors.Is(err, vectorindex.ErrOverloaded):
		return kindOverloaded, http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return kindDeadlineExceeded, http.StatusGatewayTimeout
	case errors.Is(err, retrieval.ErrUpstreamUnavailable),
		errors.Is(err, metadata.ErrStoreUnavailable),
		errors.Is(err, vectorindex.ErrUnavailable):
		return kindUpstreamUnavailable, http.StatusServiceUnavailable
	default:
		return kindInternal, http.StatusInternalServerError
	}
}
