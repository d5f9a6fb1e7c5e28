package vai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vango-go/vai-toy/pkg/core"
)

// Error is the canonical gateway error.
type Error = core.Error

// FieldError is one failed field constraint of a validation error.
type FieldError = core.FieldError

const (
	ErrValidation      = core.ErrValidation
	ErrAuthentication  = core.ErrAuthentication
	ErrNotFound        = core.ErrNotFound
	ErrExternalService = core.ErrExternalService
	ErrRateLimit       = core.ErrRateLimit
	ErrProtocol        = core.ErrProtocol
	ErrState           = core.ErrState
	ErrAPI             = core.ErrAPI
)

// TransportError represents failures below the API layer (DNS, timeouts,
// connection reset, TLS handshake) while talking to the gateway.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical API errors (*Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// redactURL strips user info and the token query parameter.
func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	if q := parsed.Query(); q.Has("token") {
		q.Set("token", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

// decodeErrorResponse turns a non-2xx response into a *core.Error, falling
// back to a status-derived error when the body is not a canonical envelope.
func decodeErrorResponse(resp *http.Response) error {
	requestID := requestIDFromHeader(resp.Header)
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		if env.Error.Type == "" {
			env.Error.Type = inferErrorType(resp.StatusCode)
		}
		if env.Error.RequestID == "" {
			env.Error.RequestID = requestID
		}
		if env.Error.RetryAfter == nil {
			env.Error.RetryAfter = retryAfter
		}
		if env.Error.Message == "" {
			env.Error.Message = http.StatusText(resp.StatusCode)
		}
		return env.Error
	}

	return &core.Error{
		Type:       inferErrorType(resp.StatusCode),
		Message:    fmt.Sprintf("gateway request failed with status %d", resp.StatusCode),
		RequestID:  requestID,
		RetryAfter: retryAfter,
	}
}

func inferErrorType(statusCode int) core.ErrorType {
	switch statusCode {
	case http.StatusBadRequest:
		return core.ErrProtocol
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.ErrAuthentication
	case http.StatusNotFound:
		return core.ErrNotFound
	case http.StatusConflict:
		return core.ErrState
	case http.StatusUnprocessableEntity:
		return core.ErrValidation
	case http.StatusTooManyRequests:
		return core.ErrRateLimit
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return core.ErrExternalService
	default:
		return core.ErrAPI
	}
}

func requestIDFromHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h.Get("X-Request-ID"))
}

func parseRetryAfterHeader(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return nil
	}
	return &seconds
}
