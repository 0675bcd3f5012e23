package api

import (
	"github.com/gin-gonic/gin"

	"github.com/civicbot/governor/internal/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure kind and a client-safe message.
type ErrorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// writeError maps err through apperr. Unclassified errors are logged and
// reported as a generic internal error.
func (h *handlers) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	msg := apperr.MessageOf(err)
	if kind == apperr.KindInternal {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), ErrorBody{Error: ErrorDetail{Kind: kind, Message: msg}})
}

// badRequest reports a binding failure. The binder's text is kept since it
// names the offending field.
func (h *handlers) badRequest(c *gin.Context, err error) {
	h.writeError(c, apperr.Wrap(apperr.KindValidation, err, "malformed request: "+err.Error()))
}
