package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// genericInternalMessage is what a client sees for unclassified failures.
// The real error text only goes to the log.
const genericInternalMessage = "internal error"

type errorPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func errorType(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

func errorBody(status int, msg string) errorEnvelope {
	return errorEnvelope{Error: errorPayload{Message: msg, Type: errorType(status)}}
}

// respondError maps a domain error onto its HTTP status. Unclassified
// errors are logged with the request id and surfaced as a generic 500.
func (s *Server) respondError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request %s failed: %v", requestID(c), err)
		msg = genericInternalMessage
	}
	c.AbortWithStatusJSON(status, errorBody(status, msg))
}
