// Package server wires the gateway routes, middleware and background
// drain enforcement.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/vai-toy/pkg/core/live"
	"github.com/vango-go/vai-toy/pkg/core/pairing"
	"github.com/vango-go/vai-toy/pkg/core/token"
	"github.com/vango-go/vai-toy/pkg/gateway/config"
	"github.com/vango-go/vai-toy/pkg/gateway/handlers"
	"github.com/vango-go/vai-toy/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-toy/pkg/gateway/live/downstream"
	"github.com/vango-go/vai-toy/pkg/gateway/live/session"
	"github.com/vango-go/vai-toy/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-toy/pkg/gateway/metrics"
	"github.com/vango-go/vai-toy/pkg/gateway/mw"
	"github.com/vango-go/vai-toy/pkg/gateway/ratelimit"
)

// Dependencies are the external stores and collaborators. Nonces and Sink
// may be nil: replay detection is then skipped and utterances are only
// logged, unless Config.DownstreamURL selects an HTTP sink.
type Dependencies struct {
	Nonces      pairing.NonceStore
	Children    pairing.ChildStore
	Sink        downstream.Sink
	ReadyChecks map[string]handlers.ReadyCheck
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	issuer    *token.Issuer
	claims    *pairing.Service
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Registry
	sink      downstream.Sink
	detector  live.VoiceDetector

	ipLimiter     *ratelimit.Limiter
	deviceLimiter *ratelimit.Limiter
	streamLimiter *ratelimit.Limiter

	metrics     *metrics.Metrics
	readyChecks map[string]handlers.ReadyCheck
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Children == nil {
		return nil, fmt.Errorf("child store is required")
	}

	issuer, err := token.NewIssuer(cfg.TokenConfig())
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	detector, err := live.NewVoiceDetector(cfg.VADThreshold)
	if err != nil {
		return nil, fmt.Errorf("voice detector: %w", err)
	}

	sink := deps.Sink
	if sink == nil {
		sink, err = newSink(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		issuer:    issuer,
		lifecycle: lifecycle.New(lifecycle.Options{DefaultMaxSessionAge: cfg.DrainDefaultMaxSessionAge}),
		sessions:  sessions.NewRegistry(),
		sink:      sink,
		detector:  detector,
		claims: pairing.NewService(pairing.Config{
			Salt:              cfg.OOBSalt,
			NonceTTL:          cfg.NonceTTL,
			DependencyTimeout: cfg.DependencyTimeout,
			LookupRetries:     cfg.ChildLookupRetries,
			AutoRegister:      cfg.AutoRegisterChildren,
			FailOpen:          cfg.FailOpenOnDependencyError,
		}, pairing.Dependencies{
			Nonces:   deps.Nonces,
			Children: deps.Children,
			Tokens:   issuer,
			Logger:   logger,
		}),
		ipLimiter: ratelimit.New(ratelimit.Config{
			PerMinute: float64(cfg.ClaimRPM),
			Burst:     cfg.ClaimBurst,
		}),
		deviceLimiter: ratelimit.New(ratelimit.Config{
			PerMinute: float64(cfg.ClaimRPM),
			Burst:     cfg.ClaimBurst,
		}),
		streamLimiter: ratelimit.New(ratelimit.Config{
			MaxConcurrentStreams: cfg.MaxStreamsPerDevice,
		}),
		readyChecks: deps.ReadyChecks,
	}

	s.metrics = metrics.New(metrics.DefaultNamespace, metrics.Gauges{
		Draining:       s.lifecycle.IsDraining,
		ActiveSessions: s.sessions.Count,
	})

	s.routes()
	return s, nil
}

func newSink(cfg config.Config, logger *slog.Logger) (downstream.Sink, error) {
	if cfg.DownstreamURL == "" {
		return downstream.LogSink{Logger: logger}, nil
	}
	fwd, err := downstream.NewHTTPForwarder(cfg.DownstreamURL, downstream.HTTPForwarderOptions{
		Client: &http.Client{
			Timeout: cfg.DownstreamTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Retries: cfg.DownstreamRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("downstream sink: %w", err)
	}
	return fwd, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle: s.lifecycle,
		Checks:    s.readyChecks,
		Timeout:   s.cfg.DependencyTimeout,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	onIPLimit := func() { s.metrics.RecordRateLimitHit(metrics.LimitClaimIP) }
	s.mux.Handle("/v1/devices/claim", mw.RateLimit(s.ipLimiter, s.cfg.TrustProxyHeaders, onIPLimit, handlers.ClaimHandler{
		Service:       s.claims,
		DeviceLimiter: s.deviceLimiter,
		Timeout:       s.cfg.HandlerTimeout,
		Logger:        s.logger,
		Metrics:       s.metrics,
	}))
	s.mux.Handle("/v1/devices/token/refresh", s.admin(handlers.RefreshHandler{Issuer: s.issuer}))
	s.mux.Handle("/v1/devices/stream", handlers.StreamHandler{
		Logger:           s.logger,
		Lifecycle:        s.lifecycle,
		Sessions:         s.sessions,
		Sink:             s.sink,
		Tokens:           s.issuer,
		RequireToken:     s.cfg.StreamRequireToken,
		Limiter:          s.streamLimiter,
		BufferCapacity:   s.cfg.AudioBufferCapacity,
		Detector:         s.detector,
		HandshakeTimeout: s.cfg.WSHandshakeTimeout,
		Metrics:          s.metrics,
		Session: session.Config{
			MaxMessageBytes:    s.cfg.MaxMessageBytes,
			ReadLimit:          s.cfg.WSReadLimit,
			ChunksPerSecond:    s.cfg.AudioChunksPerSecond,
			BytesPerSecond:     s.cfg.AudioBytesPerSecond,
			BurstSeconds:       s.cfg.AudioBurstSeconds,
			PingInterval:       s.cfg.WSPingInterval,
			WriteTimeout:       s.cfg.WSWriteTimeout,
			ReadTimeout:        s.cfg.WSReadTimeout,
			MaxSessionDuration: s.cfg.MaxSessionDuration,
			ForwardTimeout:     s.cfg.DownstreamTimeout,
		},
	})

	drain := s.admin(handlers.DrainHandler{Lifecycle: s.lifecycle, Sessions: s.sessions, Logger: s.logger})
	s.mux.Handle(handlers.DrainPath, drain)
	s.mux.Handle(handlers.DrainPath+"/", drain)
	s.mux.Handle("/v1/admin/tokens/revoke", s.admin(handlers.RevokeHandler{Issuer: s.issuer}))

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) admin(h http.Handler) http.Handler {
	return mw.AdminAuth(s.cfg.AdminAPIKeys, h)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.ProtocolVersion(h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

func (s *Server) Sessions() *sessions.Registry { return s.sessions }

// StartDrain begins a drain and warns live sessions when it was not
// already draining.
func (s *Server) StartDrain(initiatedBy, reason string) lifecycle.Status {
	wasDraining := s.lifecycle.IsDraining()
	st := s.lifecycle.StartDrain(initiatedBy, reason, 0)
	if !wasDraining {
		n := handlers.NotifyDraining(s.sessions, st)
		s.logger.Info("drain started", "initiated_by", initiatedBy, "reason", reason, "max_session_age", st.MaxSessionAge, "warned_sessions", n)
	}
	return st
}

// RunDrainReaper closes every live session once the drain deadline has
// passed, and prunes expired token revocations. It returns when ctx is
// done.
func (s *Server) RunDrainReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reap(now)
		}
	}
}

func (s *Server) reap(now time.Time) {
	if deadline, ok := s.lifecycle.Deadline(); ok && !now.Before(deadline) {
		if n := s.sessions.CancelAll(); n > 0 {
			s.logger.Warn("drain deadline reached, closing sessions", "sessions", n, "deadline", deadline)
		}
	}
	if n := s.issuer.CleanupRevocations(); n > 0 {
		s.logger.Debug("pruned token revocations", "count", n)
	}
}
