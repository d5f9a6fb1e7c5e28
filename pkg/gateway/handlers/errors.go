package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/gateway/apierror"
	"github.com/vango-go/vai-toy/pkg/gateway/mw"
)

// maxBodyBytes bounds every JSON request body the gateway accepts.
const maxBodyBytes = 16 << 10

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, err, reqID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	w.Header().Set("Allow", allow)
	ce := core.NewProtocolError("method_not_allowed", "method not allowed")
	ce.RequestID = reqID
	apierror.WriteError(w, http.StatusMethodNotAllowed, ce)
}

// decodeBody reads one JSON object from the request body into v. An empty
// body is accepted when allowEmpty is set and leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && allowEmpty:
		return nil
	case errors.Is(err, io.EOF):
		return core.NewValidationError(core.FieldError{Kind: "missing", Loc: "body", Msg: "request body required"})
	case errors.As(err, &tooLarge):
		return core.NewValidationError(core.FieldError{Kind: "too_long", Loc: "body", Msg: "request body too large"})
	default:
		return core.NewValidationError(core.FieldError{Kind: "json_invalid", Loc: "body", Msg: "request body is not a valid JSON object"})
	}
}
