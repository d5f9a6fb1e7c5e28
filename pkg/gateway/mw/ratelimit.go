package mw

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/gateway/apierror"
	"github.com/vango-go/vai-toy/pkg/gateway/principal"
	"github.com/vango-go/vai-toy/pkg/gateway/ratelimit"
)

// RateLimit limits requests per client IP. onDeny, if set, runs on every
// rejection.
func RateLimit(limiter *ratelimit.Limiter, trustProxyHeaders bool, onDeny func(), next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}

		who := principal.Resolve(r, trustProxyHeaders)
		dec := limiter.Allow(who.Key, time.Now())
		if !dec.Allowed {
			if onDeny != nil {
				onDeny()
			}
			reqID, _ := RequestIDFrom(r.Context())
			ce := core.NewRateLimitError("rate limit exceeded", dec.RetryAfter)
			ce.RequestID = reqID
			apierror.WriteError(w, http.StatusTooManyRequests, ce)
			return
		}

		next.ServeHTTP(w, r)
	})
}
