package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/pkg/guild"
)

// Error kinds reported in the "kind" field of error bodies.
const (
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindConflict   = "conflict"
	KindTooLarge   = "too_large"
	KindInternal   = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// classify maps an error to its HTTP status and kind.
func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, KindTooLarge
	case guild.IsValidation(err):
		return http.StatusBadRequest, KindValidation
	case guild.IsNotFound(err):
		return http.StatusNotFound, KindNotFound
	case guild.IsConflict(err), errors.Is(err, runtime.ErrGuildNotRunning):
		return http.StatusConflict, KindConflict
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, kind := classify(err)
	if status == http.StatusInternalServerError {
		// Internal details go to the log, not the client.
		observability.Event(s.logger.Error(), "http_internal_error").
			Str("path", c.FullPath()).
			Err(err).
			Msg("request failed")
		c.AbortWithStatusJSON(status, ErrorResponse{Error: "internal error", Kind: kind})
		return
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
}
