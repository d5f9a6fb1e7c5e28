package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/live"
	"github.com/vango-go/vai-toy/pkg/core/token"
	"github.com/vango-go/vai-toy/pkg/gateway/apierror"
	"github.com/vango-go/vai-toy/pkg/gateway/auth"
	"github.com/vango-go/vai-toy/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-toy/pkg/gateway/live/downstream"
	"github.com/vango-go/vai-toy/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-toy/pkg/gateway/live/session"
	"github.com/vango-go/vai-toy/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-toy/pkg/gateway/metrics"
	"github.com/vango-go/vai-toy/pkg/gateway/mw"
	"github.com/vango-go/vai-toy/pkg/gateway/ratelimit"
)

// TokenVerifier checks session tokens presented on the stream handshake.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// StreamHandler serves GET /v1/devices/stream websocket sessions.
type StreamHandler struct {
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Registry
	Sink      downstream.Sink
	// Tokens is required when RequireToken is set.
	Tokens       TokenVerifier
	RequireToken bool
	// Limiter caps concurrent streams per device. Nil disables the cap.
	Limiter          *ratelimit.Limiter
	BufferCapacity   int
	Detector         live.VoiceDetector
	HandshakeTimeout time.Duration
	Session          session.Config
	Metrics          *metrics.Metrics
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	params, fields := protocol.ParseConnectParams(r.URL.Query())
	if len(fields) > 0 {
		h.Metrics.RecordStreamEnd(metrics.StreamInvalid, 0)
		writeErr(w, r, core.NewValidationError(fields...))
		return
	}

	// A verified token carries the session id issued at claim time.
	sessionID := ""
	if h.RequireToken {
		claims, err := h.authorize(r, params)
		if err != nil {
			h.Metrics.RecordStreamEnd(metrics.StreamUnauthorized, 0)
			writeErr(w, r, err)
			return
		}
		sessionID = claims.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	dec := h.Limiter.AcquireStream(ratelimit.KeyFromDevice(params.DeviceID), time.Now())
	if !dec.Allowed {
		h.Metrics.RecordRateLimitHit(metrics.LimitDeviceStream)
		h.Metrics.RecordStreamEnd(metrics.StreamRateLimited, 0)
		ce := core.NewRateLimitError("too many open streams for device", dec.RetryAfter)
		ce.RequestID = reqID
		apierror.WriteError(w, http.StatusTooManyRequests, ce)
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.HandshakeTimeout,
		// Devices are not browsers; there is no origin to check.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Params:    params,
		SessionID: sessionID,
		RequestID: reqID,
		Buffer:    live.NewAudioBuffer(h.BufferCapacity),
		Detector:  h.Detector,
		Sink:      h.Sink,
		Config:    h.Session,
	})
	if err != nil {
		h.logger().Error("stream session init failed", "request_id", reqID, "error", err)
		h.refuse(conn, "internal", "failed to initialize session", websocket.CloseInternalServerErr)
		return
	}

	if err := s.Admit(h.Lifecycle.CanAcceptNewSessions); err != nil {
		if errors.Is(err, session.ErrNotAdmitted) {
			h.logger().Info("stream session refused, instance draining", "request_id", reqID, "device_id", params.DeviceID)
			h.refuse(conn, "draining", "instance is draining, reconnect later", protocol.CloseTryAgainLater)
			h.Metrics.RecordStreamEnd(metrics.StreamRefused, 0)
			return
		}
		h.refuse(conn, "internal", "failed to admit session", websocket.CloseInternalServerErr)
		return
	}

	release := h.Sessions.Register(sessionID, sessions.Handle{
		DeviceID:  params.DeviceID,
		ChildID:   params.ChildID,
		StartedAt: s.StartedAt(),
		Cancel:    func() { s.Close(websocket.CloseGoingAway, "drain deadline reached") },
		Warn:      s.SendWarning,
	})
	defer release()

	if err := s.Run(); err != nil {
		h.logger().Warn("stream session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
		h.Metrics.RecordStreamEnd(metrics.StreamErrored, time.Since(s.StartedAt()))
		return
	}
	h.Metrics.RecordStreamEnd(metrics.StreamCompleted, time.Since(s.StartedAt()))
}

func (h StreamHandler) authorize(r *http.Request, params protocol.ConnectParams) (*token.Claims, error) {
	raw, ok := auth.BearerOrQuery(r, "token")
	if !ok {
		ce := core.NewAuthenticationError("missing session token")
		ce.Param = "Authorization"
		return nil, ce
	}
	if h.Tokens == nil {
		return nil, core.NewAPIError("token verification not configured")
	}
	claims, err := h.Tokens.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.DeviceID != params.DeviceID || claims.ChildID != params.ChildID {
		return nil, core.NewAuthenticationError("session token was not issued for this device and child")
	}
	return claims, nil
}

// refuse sends one closing error frame and a close control frame. It is
// used before the session writer exists.
func (h StreamHandler) refuse(conn *websocket.Conn, code, message string, closeCode int) {
	deadline := time.Now().Add(time.Second)
	if payload, err := json.Marshal(protocol.ErrorFrame(code, message, "", true, time.Now())); err == nil {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), deadline)
}

func (h StreamHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.DiscardHandler)
}
