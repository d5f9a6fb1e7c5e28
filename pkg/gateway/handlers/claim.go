package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/ident"
	"github.com/vango-go/vai-toy/pkg/core/pairing"
	"github.com/vango-go/vai-toy/pkg/gateway/apierror"
	"github.com/vango-go/vai-toy/pkg/gateway/metrics"
	"github.com/vango-go/vai-toy/pkg/gateway/mw"
	"github.com/vango-go/vai-toy/pkg/gateway/ratelimit"
)

// Claimer runs one claim attempt.
type Claimer interface {
	Claim(ctx context.Context, req pairing.ClaimRequest) pairing.Result
}

// ClaimResponse is the body of a successful claim.
type ClaimResponse struct {
	AccessToken     string `json:"access_token"`
	DeviceSessionID string `json:"device_session_id"`
	ExpiresIn       int64  `json:"expires_in"`
	TokenType       string `json:"token_type"`
}

// ClaimHandler serves POST /v1/devices/claim.
type ClaimHandler struct {
	Service Claimer
	// DeviceLimiter bounds attempts per claimed device id. Nil disables it.
	DeviceLimiter *ratelimit.Limiter
	Timeout       time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

func (h ClaimHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	start := time.Now()

	var req pairing.ClaimRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		h.Metrics.RecordClaim(pairing.OutcomeValidationFailed.String(), time.Since(start))
		writeErr(w, r, err)
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.ChildID = strings.TrimSpace(req.ChildID)

	// Malformed ids are left to validation so they never create buckets.
	if ident.DeviceID.Valid(req.DeviceID) {
		dec := h.DeviceLimiter.Allow(ratelimit.KeyFromDevice(req.DeviceID), time.Now())
		if !dec.Allowed {
			h.Metrics.RecordRateLimitHit(metrics.LimitClaimDevice)
			h.Metrics.RecordClaim("rate_limited", time.Since(start))
			reqID, _ := mw.RequestIDFrom(r.Context())
			ce := core.NewRateLimitError("too many claim attempts for device", dec.RetryAfter)
			ce.RequestID = reqID
			apierror.WriteError(w, http.StatusTooManyRequests, ce)
			return
		}
	}

	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	res := h.Service.Claim(ctx, req)
	h.Metrics.RecordClaim(res.Outcome.String(), time.Since(start))
	if res.Err != nil {
		writeErr(w, r, res.Err)
		return
	}
	if res.Session == nil {
		writeErr(w, r, core.NewAPIError("claim produced no session"))
		return
	}

	writeJSON(w, http.StatusOK, ClaimResponse{
		AccessToken:     res.Session.AccessToken,
		DeviceSessionID: res.Session.SessionID,
		ExpiresIn:       int64(res.Session.ExpiresIn / time.Second),
		TokenType:       "Bearer",
	})
}
