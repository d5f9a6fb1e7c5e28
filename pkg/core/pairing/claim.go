// Package pairing implements the device claim protocol: a device proves it
// holds its out-of-band secret by signing its identity and a fresh nonce,
// and receives a session token in return.
package pairing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/token"
)

// Stage is the last claim step an attempt reached.
type Stage string

const (
	StageReceived      Stage = "received"
	StageValidated     Stage = "validated"
	StageSecretDerived Stage = "secret_derived"
	StageHMACVerified  Stage = "hmac_verified"
	StageSessionIssued Stage = "session_issued"
)

// Outcome tags a claim Result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeValidationFailed
	OutcomeAuthFailed
	OutcomeNotFound
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeValidationFailed:
		return "validation_failed"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Session is the credential handed to a device after a successful claim.
type Session struct {
	AccessToken string
	SessionID   string
	// ExpiresIn is zero for non-expiring tokens.
	ExpiresIn      time.Duration
	AutoRegistered bool
}

// Result is the outcome of one claim attempt. Session is set only for
// OutcomeSuccess; Err is set for every other outcome.
type Result struct {
	Outcome Outcome
	Stage   Stage
	Session *Session
	Err     *core.Error
}

// ChildProfile is the profile a claim binds the session to.
type ChildProfile struct {
	ID        string
	DeviceID  string
	Name      string
	Age       int
	CreatedAt time.Time
}

// ErrChildNotFound is returned by ChildStore lookups for unknown children.
var ErrChildNotFound = errors.New("child profile not found")

// ChildStore looks up and, when auto-registration is enabled, creates child
// profiles.
type ChildStore interface {
	LookupChild(ctx context.Context, childID string) (ChildProfile, error)
	RegisterChild(ctx context.Context, profile ChildProfile) (ChildProfile, error)
}

// NonceStore records claim nonces. Remember returns false when the nonce
// was already recorded for the device.
type NonceStore interface {
	Remember(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error)
}

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Issue(deviceID, childID, sessionID string) (token.Token, error)
}

// Config is resolved once at startup.
type Config struct {
	Salt string
	// NonceTTL bounds how long a nonce is remembered.
	NonceTTL time.Duration
	// DependencyTimeout bounds each call to the nonce and child stores.
	DependencyTimeout time.Duration
	// LookupRetries is the number of extra child lookup attempts on
	// transient errors.
	LookupRetries uint64
	// AutoRegister creates unknown children instead of failing the claim.
	AutoRegister bool
	// FailOpen accepts claims when the nonce or child store is unreachable.
	FailOpen bool
}

// Dependencies are the external collaborators of a Service. Nonces may be
// nil, in which case replay detection is skipped.
type Dependencies struct {
	Nonces   NonceStore
	Children ChildStore
	Tokens   TokenIssuer
	Logger   *slog.Logger
}

// Service runs claim attempts.
type Service struct {
	cfg      Config
	nonces   NonceStore
	children ChildStore
	tokens   TokenIssuer
	logger   *slog.Logger

	newSessionID func() string
	lookupBase   time.Duration
}

// NewService returns a Service. It panics if Children or Tokens is nil.
func NewService(cfg Config, deps Dependencies) *Service {
	if deps.Children == nil || deps.Tokens == nil {
		panic("pairing: child store and token issuer are required")
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 10 * time.Minute
	}
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = 2 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		cfg:          cfg,
		nonces:       deps.Nonces,
		children:     deps.Children,
		tokens:       deps.Tokens,
		logger:       logger,
		newSessionID: uuid.NewString,
		lookupBase:   50 * time.Millisecond,
	}
}

// Claim verifies req and issues a session on success.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) Result {
	res := s.claim(ctx, req)
	s.logResult(ctx, req, res)
	return res
}

func (s *Service) claim(ctx context.Context, req ClaimRequest) Result {
	stage := StageReceived

	if fields := req.Validate(); len(fields) > 0 {
		return Result{Outcome: OutcomeValidationFailed, Stage: stage, Err: core.NewValidationError(fields...)}
	}
	nonce, err := req.DecodeNonce()
	if err != nil {
		return Result{Outcome: OutcomeValidationFailed, Stage: stage, Err: core.NewValidationError(core.FieldError{
			Kind: KindHexInvalid, Loc: "body.nonce", Msg: "must be hexadecimal",
		})}
	}
	stage = StageValidated

	key := OOBSecretKey(req.DeviceID, s.cfg.Salt)
	stage = StageSecretDerived

	if !VerifyClaimHMAC(key, req.DeviceID, req.ChildID, nonce, req.HMACHex) {
		return Result{Outcome: OutcomeAuthFailed, Stage: stage, Err: core.NewAuthenticationError("claim signature mismatch")}
	}
	stage = StageHMACVerified

	if res, ok := s.checkReplay(ctx, req, stage); !ok {
		return res
	}

	autoRegistered, res, ok := s.resolveChild(ctx, req, stage)
	if !ok {
		return res
	}

	sessionID := s.newSessionID()
	tok, err := s.tokens.Issue(req.DeviceID, req.ChildID, sessionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "session token signing failed", "device_id", req.DeviceID, "error", err)
		return Result{Outcome: OutcomeUnavailable, Stage: stage, Err: core.NewAPIError("session could not be issued")}
	}
	return Result{
		Outcome: OutcomeSuccess,
		Stage:   StageSessionIssued,
		Session: &Session{
			AccessToken:    tok.Value,
			SessionID:      sessionID,
			ExpiresIn:      tok.ExpiresIn(),
			AutoRegistered: autoRegistered,
		},
	}
}

func (s *Service) checkReplay(ctx context.Context, req ClaimRequest, stage Stage) (Result, bool) {
	if s.nonces == nil {
		return Result{}, true
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.DependencyTimeout)
	defer cancel()

	fresh, err := s.nonces.Remember(callCtx, req.DeviceID, req.Nonce, s.cfg.NonceTTL)
	switch {
	case err != nil && s.cfg.FailOpen:
		s.logger.WarnContext(ctx, "nonce store unavailable, accepting claim", "device_id", req.DeviceID, "error", err)
		return Result{}, true
	case err != nil:
		return Result{Outcome: OutcomeUnavailable, Stage: stage, Err: core.NewExternalServiceError("nonce_store", err)}, false
	case !fresh:
		return Result{Outcome: OutcomeAuthFailed, Stage: stage, Err: core.NewAuthenticationError("nonce already used")}, false
	}
	return Result{}, true
}

func (s *Service) resolveChild(ctx context.Context, req ClaimRequest, stage Stage) (bool, Result, bool) {
	_, err := s.lookupChild(ctx, req.ChildID)
	switch {
	case err == nil:
		return false, Result{}, true
	case errors.Is(err, ErrChildNotFound) && s.cfg.AutoRegister:
		regCtx, cancel := context.WithTimeout(ctx, s.cfg.DependencyTimeout)
		defer cancel()
		if _, err := s.children.RegisterChild(regCtx, ChildProfile{ID: req.ChildID, DeviceID: req.DeviceID}); err != nil {
			if s.cfg.FailOpen {
				s.logger.WarnContext(ctx, "child auto-register failed, accepting claim", "child_id", req.ChildID, "error", err)
				return false, Result{}, true
			}
			return false, Result{Outcome: OutcomeUnavailable, Stage: stage, Err: core.NewExternalServiceError("child_store", err)}, false
		}
		return true, Result{}, true
	case errors.Is(err, ErrChildNotFound):
		return false, Result{Outcome: OutcomeNotFound, Stage: stage, Err: core.NewNotFoundError("child profile not found")}, false
	case s.cfg.FailOpen:
		s.logger.WarnContext(ctx, "child store unavailable, accepting claim", "child_id", req.ChildID, "error", err)
		return false, Result{}, true
	default:
		return false, Result{Outcome: OutcomeUnavailable, Stage: stage, Err: core.NewExternalServiceError("child_store", err)}, false
	}
}

func (s *Service) lookupChild(ctx context.Context, childID string) (ChildProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DependencyTimeout)
	defer cancel()

	var profile ChildProfile
	backoff := retry.WithMaxRetries(s.cfg.LookupRetries, retry.NewExponential(s.lookupBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := s.children.LookupChild(ctx, childID)
		if err == nil {
			profile = p
			return nil
		}
		if errors.Is(err, ErrChildNotFound) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	return profile, err
}

func (s *Service) logResult(ctx context.Context, req ClaimRequest, res Result) {
	attrs := []any{"outcome", res.Outcome.String(), "stage", string(res.Stage)}
	// Unvalidated input is not logged.
	if res.Outcome != OutcomeValidationFailed {
		attrs = append(attrs, "device_id", req.DeviceID, "child_id", req.ChildID)
		if req.FirmwareVersion != "" {
			attrs = append(attrs, "firmware_version", req.FirmwareVersion)
		}
	}
	if res.Session != nil {
		attrs = append(attrs, "device_session_id", res.Session.SessionID)
	}
	if res.Outcome == OutcomeSuccess {
		s.logger.InfoContext(ctx, "device claim", attrs...)
		return
	}
	attrs = append(attrs, "error_type", string(res.Err.Type))
	s.logger.WarnContext(ctx, "device claim rejected", attrs...)
}
