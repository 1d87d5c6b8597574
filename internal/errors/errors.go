// Package errors carries the client-facing response envelope and the
// helpers that map validation outcomes onto it. Infrastructure errors are
// typed in their owning packages; this package only shapes the wire.
package errors

import (
	"net/http"

	"github.com/go-chi/render"
)

// StatusResponse is the uniform envelope for terminal outcomes:
// {"error": bool, "status": "..."} with the HTTP code carried out of band.
type StatusResponse struct {
	HTTPStatus int    `json:"-"`
	IsError    bool   `json:"error"`
	Status     string `json:"status"`
}

// Render implements the render.Renderer interface for chi/render
func (s *StatusResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, s.HTTPStatus)
	return nil
}

// New creates a response envelope with the given HTTP code and status text
func New(httpStatus int, status string, isError bool) *StatusResponse {
	return &StatusResponse{HTTPStatus: httpStatus, IsError: isError, Status: status}
}

// BadRequest creates a 400 error envelope
func BadRequest(status string) *StatusResponse {
	return New(http.StatusBadRequest, status, true)
}

// Forbidden creates a 403 error envelope
func Forbidden(status string) *StatusResponse {
	return New(http.StatusForbidden, status, true)
}

// NotFound creates a 404 error envelope
func NotFound(status string) *StatusResponse {
	return New(http.StatusNotFound, status, true)
}

// Internal creates a 500 error envelope with a generic status. Upstream
// detail stays in the logs; clients get no hint of backend topology.
func Internal() *StatusResponse {
	return New(http.StatusInternalServerError, "Internal server error", true)
}
