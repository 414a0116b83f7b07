package api //nolint:revive // package name is intentional

import (
	"context"
	"errors"
	"net/http"

	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/pipeline"
	"github.com/John-Rood/MemoryRouter-sub003/internal/provider"
	mrerrors "github.com/John-Rood/MemoryRouter-sub003/pkg/errors"
)

// ErrorResponse is the OpenAI-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// apiError is an error raised by the HTTP layer itself.
type apiError struct {
	status int
	typ    string
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func newInvalidRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, typ: "invalid_request_error", msg: msg}
}

// classify maps err onto a status and an error body. Internal details of
// unclassified errors are logged, never returned.
func classify(err error) (int, ErrorDetail) {
	var ae *apiError
	var he *provider.HTTPError
	var me *mrerrors.MemoryError
	switch {
	case errors.As(err, &ae):
		return ae.status, ErrorDetail{Message: ae.msg, Type: ae.typ}
	case errors.As(err, &he):
		// Provider failures keep the provider's own status class.
		typ := he.Type
		if typ == "" {
			typ = mrerrors.TypeProviderFailure
		}
		return he.ClientStatus(), ErrorDetail{Message: he.Message, Type: typ, Code: mrerrors.TypeProviderFailure}
	case errors.As(err, &me):
		return me.HTTPStatusCode(), ErrorDetail{Message: me.Message, Type: me.Type}
	case errors.Is(err, pipeline.ErrMissingKey):
		return http.StatusBadRequest, ErrorDetail{Message: err.Error(), Type: "invalid_request_error"}
	case errors.Is(err, memory.ErrRegistryClosed), errors.Is(err, memory.ErrActorStopped):
		return http.StatusServiceUnavailable, ErrorDetail{Message: "memory is shutting down", Type: "service_unavailable"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorDetail{Message: "request timed out", Type: "timeout"}
	default:
		return http.StatusInternalServerError, ErrorDetail{Message: "internal error", Type: "internal_error"}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := classify(err)
	if status >= http.StatusInternalServerError {
		h.log(r).RedactedError("request failed", "status", status, "error", err)
	}
	h.writeJSON(w, status, ErrorResponse{Error: detail})
}
