// Package token issues and verifies device session tokens.
//
// Tokens are HS256 JWTs bound to one device and one child profile. A token
// may be issued without an expiry only when the issuer is explicitly
// configured to allow it; such tokens stay valid until revoked through
// Issuer.Revoke, and the revocation list lives in process memory.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/ident"
)

const (
	DefaultIssuer   = "vai-toy-gateway"
	DefaultAudience = "vai-toy-devices"
	// TypeDeviceAccess is the value of the "type" claim on session tokens.
	TypeDeviceAccess = "device_access"

	// MinSigningKeyBytes is the shortest accepted HS256 key.
	MinSigningKeyBytes = 32
)

// Claims is the session token payload.
type Claims struct {
	DeviceID  string `json:"device_id"`
	ChildID   string `json:"child_id"`
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// Subject renders the composite device and child subject.
func Subject(deviceID, childID string) string {
	return "device:" + deviceID + ":child:" + childID
}

// Config configures an Issuer.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	// TTL is the token lifetime. Zero means no expiry and requires
	// AllowNonExpiring.
	TTL              time.Duration
	AllowNonExpiring bool
	Now              func() time.Time
}

// Token is a freshly signed session token.
type Token struct {
	Value     string
	ID        string
	SessionID string
	IssuedAt  time.Time
	// ExpiresAt is zero for non-expiring tokens.
	ExpiresAt time.Time
}

// ExpiresIn returns the lifetime remaining at issue time, or 0 when the token
// does not expire.
func (t Token) ExpiresIn() time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// Issuer signs and verifies session tokens under one shared key.
type Issuer struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	revoked  *Revocations
}

var (
	ErrSigningKeyTooShort = fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyBytes)
	ErrNonExpiringDenied  = errors.New("non-expiring tokens require explicit opt-in")
)

// NewIssuer validates cfg and returns an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningKey) < MinSigningKeyBytes {
		return nil, ErrSigningKeyTooShort
	}
	if cfg.TTL < 0 {
		return nil, errors.New("token ttl must be >= 0")
	}
	if cfg.TTL == 0 && !cfg.AllowNonExpiring {
		return nil, ErrNonExpiringDenied
	}
	iss := strings.TrimSpace(cfg.Issuer)
	if iss == "" {
		iss = DefaultIssuer
	}
	aud := strings.TrimSpace(cfg.Audience)
	if aud == "" {
		aud = DefaultAudience
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)
	return &Issuer{
		key:      key,
		issuer:   iss,
		audience: aud,
		ttl:      cfg.TTL,
		now:      now,
		revoked:  NewRevocations(),
	}, nil
}

// Issue signs a new token for the device and child bound to sessionID.
func (i *Issuer) Issue(deviceID, childID, sessionID string) (Token, error) {
	now := i.now().UTC().Truncate(time.Second)
	claims := Claims{
		DeviceID:  deviceID,
		ChildID:   childID,
		SessionID: sessionID,
		Type:      TypeDeviceAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Subject:  Subject(deviceID, childID),
			Issuer:   i.issuer,
			Audience: jwt.ClaimStrings{i.audience},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	var expiresAt time.Time
	if i.ttl > 0 {
		expiresAt = now.Add(i.ttl)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign session token: %w", err)
	}
	return Token{
		Value:     signed,
		ID:        claims.ID,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks signature, algorithm, issuer, audience, expiry, token type
// and revocation. Every failure is an authentication error.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, core.NewAuthenticationError("missing session token")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.Type != TypeDeviceAccess {
		return nil, core.NewAuthenticationError("unexpected token type")
	}
	if claims.ID != "" && i.revoked.IsRevoked(claims.ID) {
		return nil, core.NewAuthenticationError("session token revoked")
	}
	return claims, nil
}

// Refresh issues a new token for deviceID carrying the child and session of
// oldToken. Only the device id format is validated: oldToken is parsed
// without signature or expiry checks, so callers must authenticate the
// request separately.
func (i *Issuer) Refresh(deviceID, oldToken string) (Token, error) {
	if fe := ident.DeviceID.Check("body.device_id", deviceID); fe != nil {
		return Token{}, core.NewValidationError(*fe)
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(oldToken), claims); err != nil {
		return Token{}, core.NewValidationError(core.FieldError{Kind: "token_malformed", Loc: "body.token", Msg: "token could not be decoded"})
	}
	if claims.DeviceID != deviceID {
		return Token{}, core.NewValidationError(core.FieldError{Kind: "token_device_mismatch", Loc: "body.device_id", Msg: "does not match token device"})
	}
	if fe := ident.ChildID.Check("body.token", claims.ChildID); fe != nil {
		return Token{}, core.NewValidationError(core.FieldError{Kind: "token_malformed", Loc: "body.token", Msg: "token has no valid child id"})
	}
	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return i.Issue(deviceID, claims.ChildID, sessionID)
}

// Revoke verifies raw and adds its id to the revocation list until the token
// would have expired on its own.
func (i *Issuer) Revoke(raw string) (*Claims, error) {
	claims, err := i.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, core.NewValidationError(core.FieldError{Kind: "token_malformed", Loc: "body.token", Msg: "token has no id"})
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	i.revoked.Revoke(claims.ID, exp)
	return claims, nil
}

// CleanupRevocations drops revocation entries for tokens that have expired.
func (i *Issuer) CleanupRevocations() int {
	return i.revoked.Cleanup(i.now())
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return core.NewAuthenticationError("session token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return core.NewAuthenticationError("session token signature invalid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return core.NewAuthenticationError("session token not issued for this service")
	default:
		return core.NewAuthenticationError("session token invalid")
	}
}
