package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/call"
	"github.com/zulandar/switchboard/internal/media"
	"github.com/zulandar/switchboard/internal/transfer"
)

var errBadRequest = errors.New("bad request")

// badRequest wraps a binding or validation failure.
func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// classify maps a service error to its HTTP status and machine code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, call.ErrNotFound),
		errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound, api.CodeNotFound
	case errors.Is(err, transfer.ErrInProgress):
		return http.StatusConflict, api.CodeTransferInProgress
	case errors.Is(err, transfer.ErrStaleStage):
		return http.StatusConflict, api.CodeStaleStage
	case errors.Is(err, transfer.ErrRejected),
		errors.Is(err, call.ErrAlreadyEnded),
		errors.Is(err, call.ErrRejected):
		return http.StatusBadRequest, api.CodeRejected
	case errors.Is(err, call.ErrNoAgents):
		return http.StatusServiceUnavailable, api.CodeNoAgents
	case errors.Is(err, errBadRequest),
		errors.Is(err, transfer.ErrInvalid),
		errors.Is(err, call.ErrInvalid):
		return http.StatusBadRequest, api.CodeBadRequest
	case errors.Is(err, media.ErrBadSignature):
		return http.StatusUnauthorized, api.CodeUnauthorized
	}
	return http.StatusInternalServerError, api.CodeInternal
}

// writeError aborts the request with the error body every client decodes.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("server: %s %s: %v", c.Request.Method, c.FullPath(), err)
		detail = "internal error"
	}
	c.AbortWithStatusJSON(status, api.ErrorResponse{Detail: detail, Code: code})
}
