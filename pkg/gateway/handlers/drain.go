package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/gateway/auth"
	"github.com/vango-go/vai-toy/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-toy/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-toy/pkg/gateway/live/sessions"
)

// DrainPath is the admin drain route prefix.
const DrainPath = "/v1/admin/drain"

// maxSessionAgeSeconds bounds drain ages so the conversion to a
// time.Duration cannot overflow.
const maxSessionAgeSeconds = int64(7 * 24 * time.Hour / time.Second)

func checkSessionAge(seconds int64, allowZero bool) *core.Error {
	switch {
	case seconds < 0 || (seconds == 0 && !allowZero):
		kind, msg := "greater_than", "must be > 0"
		if allowZero {
			kind, msg = "greater_than_equal", "must be >= 0"
		}
		return core.NewValidationError(core.FieldError{Kind: kind, Loc: "body.max_session_age_seconds", Msg: msg})
	case seconds > maxSessionAgeSeconds:
		return core.NewValidationError(core.FieldError{Kind: "less_than_equal", Loc: "body.max_session_age_seconds", Msg: fmt.Sprintf("must be <= %d", maxSessionAgeSeconds)})
	}
	return nil
}

type drainStartRequest struct {
	Reason               string `json:"reason"`
	MaxSessionAgeSeconds int64  `json:"max_session_age_seconds"`
}

type drainEndRequest struct {
	Notes string `json:"notes"`
}

type drainExtendRequest struct {
	MaxSessionAgeSeconds int64 `json:"max_session_age_seconds"`
}

// DrainStatus is the admin view of the drain coordinator.
type DrainStatus struct {
	Draining             bool   `json:"draining"`
	StartedAt            string `json:"started_at,omitempty"`
	InitiatedBy          string `json:"initiated_by,omitempty"`
	Reason               string `json:"reason,omitempty"`
	MaxSessionAgeSeconds int64  `json:"max_session_age_seconds,omitempty"`
	Deadline             string `json:"deadline,omitempty"`
	EndedAt              string `json:"ended_at,omitempty"`
	EndedBy              string `json:"ended_by,omitempty"`
	Notes                string `json:"notes,omitempty"`
	ActiveSessions       int    `json:"active_sessions"`
}

// DrainHandler serves the drain admin routes under DrainPath.
type DrainHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Registry
	Logger    *slog.Logger
}

func (h DrainHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, DrainPath), "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, h.view(h.Lifecycle.Status()))
	case "start":
		h.start(w, r)
	case "end":
		h.end(w, r)
	case "extend":
		h.extend(w, r)
	default:
		NotFoundHandler{}.ServeHTTP(w, r)
	}
}

func (h DrainHandler) start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req drainStartRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeErr(w, r, err)
		return
	}
	if ce := checkSessionAge(req.MaxSessionAgeSeconds, true); ce != nil {
		writeErr(w, r, ce)
		return
	}

	wasDraining := h.Lifecycle.IsDraining()
	st := h.Lifecycle.StartDrain(initiator(r), strings.TrimSpace(req.Reason), time.Duration(req.MaxSessionAgeSeconds)*time.Second)
	if !wasDraining {
		n := NotifyDraining(h.Sessions, st)
		h.logger().Info("drain started", "initiated_by", st.InitiatedBy, "reason", st.Reason, "max_session_age", st.MaxSessionAge, "warned_sessions", n)
	}
	writeJSON(w, http.StatusOK, h.view(st))
}

func (h DrainHandler) end(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req drainEndRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeErr(w, r, err)
		return
	}
	st, err := h.Lifecycle.EndDrain(initiator(r), strings.TrimSpace(req.Notes))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.logger().Info("drain ended", "ended_by", st.EndedBy)
	writeJSON(w, http.StatusOK, h.view(st))
}

func (h DrainHandler) extend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req drainExtendRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeErr(w, r, err)
		return
	}
	if ce := checkSessionAge(req.MaxSessionAgeSeconds, false); ce != nil {
		writeErr(w, r, ce)
		return
	}
	st, err := h.Lifecycle.Extend(time.Duration(req.MaxSessionAgeSeconds) * time.Second)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(st))
}

func (h DrainHandler) view(st lifecycle.Status) DrainStatus {
	out := DrainStatus{
		Draining:       st.Draining,
		InitiatedBy:    st.InitiatedBy,
		Reason:         st.Reason,
		EndedBy:        st.EndedBy,
		Notes:          st.Notes,
		ActiveSessions: h.Sessions.Count(),
	}
	if !st.StartedAt.IsZero() {
		out.StartedAt = protocol.FormatTimestamp(st.StartedAt)
		out.MaxSessionAgeSeconds = int64(st.MaxSessionAge / time.Second)
	}
	if deadline, ok := st.Deadline(); ok {
		out.Deadline = protocol.FormatTimestamp(deadline)
	}
	if !st.EndedAt.IsZero() {
		out.EndedAt = protocol.FormatTimestamp(st.EndedAt)
	}
	return out
}

func (h DrainHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func initiator(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p != nil && p.KeyID != "" {
		return "admin:" + p.KeyID
	}
	return "admin"
}

// NotifyDraining sends a draining status frame to every live session and
// returns how many were reached.
func NotifyDraining(reg *sessions.Registry, st lifecycle.Status) int {
	msg := "instance is draining"
	if deadline, ok := st.Deadline(); ok {
		msg = fmt.Sprintf("instance is draining, open sessions close at %s", protocol.FormatTimestamp(deadline))
	}
	return reg.WarnAll(protocol.StatusDraining, msg)
}
