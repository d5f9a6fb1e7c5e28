// Package apierror maps errors to the JSON error envelope and HTTP status
// codes served by the gateway.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vango-go/vai-toy/pkg/core"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrExternalService,
			Message:   "request timeout",
			Code:      "timeout",
			RequestID: requestID,
		}, http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, StatusFromType(coreErr.Type)
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrValidation:
		return http.StatusUnprocessableEntity
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrExternalService:
		return http.StatusServiceUnavailable
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrProtocol:
		return http.StatusBadRequest
	case core.ErrState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err as the JSON envelope. Retry-After is set when the
// error carries a retry hint.
func Write(w http.ResponseWriter, err error, requestID string) {
	ce, status := FromError(err, requestID)
	if ce == nil {
		w.WriteHeader(status)
		return
	}
	WriteError(w, status, ce)
}

func WriteError(w http.ResponseWriter, status int, ce *core.Error) {
	if ce.RetryAfter != nil && *ce.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(*ce.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: ce})
}
