package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/token"
)

type refreshRequest struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

// RefreshHandler serves POST /v1/devices/token/refresh. The route is
// behind admin key auth because the old token is not verified.
type RefreshHandler struct {
	Issuer *token.Issuer
}

func (h RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeErr(w, r, core.NewValidationError(core.FieldError{Kind: "missing", Loc: "body.token", Msg: "field required"}))
		return
	}

	tok, err := h.Issuer.Refresh(strings.TrimSpace(req.DeviceID), req.Token)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		AccessToken:     tok.Value,
		DeviceSessionID: tok.SessionID,
		ExpiresIn:       int64(tok.ExpiresIn() / time.Second),
		TokenType:       "Bearer",
	})
}

type revokeRequest struct {
	Token string `json:"token"`
}

type revokeResponse struct {
	Revoked   bool   `json:"revoked"`
	TokenID   string `json:"token_id"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"device_session_id"`
}

// RevokeHandler serves POST /v1/admin/tokens/revoke.
type RevokeHandler struct {
	Issuer *token.Issuer
}

func (h RevokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeErr(w, r, core.NewValidationError(core.FieldError{Kind: "missing", Loc: "body.token", Msg: "field required"}))
		return
	}
	claims, err := h.Issuer.Revoke(strings.TrimSpace(req.Token))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{
		Revoked:   true,
		TokenID:   claims.ID,
		DeviceID:  claims.DeviceID,
		SessionID: claims.SessionID,
	})
}
