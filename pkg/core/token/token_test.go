package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-toy/pkg/core"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestIssuer(t *testing.T, ttl time.Duration, allowNonExpiring bool) (*Issuer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	iss, err := NewIssuer(Config{
		SigningKey:       testKey,
		TTL:              ttl,
		AllowNonExpiring: allowNonExpiring,
		Now:              clock.Now,
	})
	require.NoError(t, err)
	return iss, clock
}

func TestNewIssuer_RejectsShortKey(t *testing.T) {
	_, err := NewIssuer(Config{SigningKey: []byte("short"), TTL: time.Hour})
	require.ErrorIs(t, err, ErrSigningKeyTooShort)
}

func TestNewIssuer_NonExpiringRequiresOptIn(t *testing.T) {
	_, err := NewIssuer(Config{SigningKey: testKey})
	require.ErrorIs(t, err, ErrNonExpiringDenied)

	_, err = NewIssuer(Config{SigningKey: testKey, AllowNonExpiring: true})
	require.NoError(t, err)
}

func TestIssueAndVerify_RoundTrip(t *testing.T) {
	iss, _ := newTestIssuer(t, time.Hour, false)

	tok, err := iss.Issue("Teddy-ESP32-001", "child_profile_123", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, tok.ExpiresIn())
	assert.NotEmpty(t, tok.ID)

	claims, err := iss.Verify(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "device:Teddy-ESP32-001:child:child_profile_123", claims.Subject)
	assert.Equal(t, "Teddy-ESP32-001", claims.DeviceID)
	assert.Equal(t, "child_profile_123", claims.ChildID)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, TypeDeviceAccess, claims.Type)
	assert.Equal(t, DefaultIssuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{DefaultAudience}, claims.Audience)
	require.NotNil(t, claims.IssuedAt)
	require.NotNil(t, claims.ExpiresAt)
}

func TestIssue_NonExpiringOmitsExp(t *testing.T) {
	iss, clock := newTestIssuer(t, 0, true)

	tok, err := iss.Issue("Teddy-ESP32-001", "child_1", "sess-1")
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.IsZero())
	assert.Equal(t, time.Duration(0), tok.ExpiresIn())

	clock.t = clock.t.Add(10 * 365 * 24 * time.Hour)
	claims, err := iss.Verify(tok.Value)
	require.NoError(t, err)
	assert.Nil(t, claims.ExpiresAt)
}

func TestVerify_Expired(t *testing.T) {
	iss, clock := newTestIssuer(t, time.Minute, false)
	tok, err := iss.Issue("Teddy-ESP32-001", "child_1", "sess-1")
	require.NoError(t, err)

	clock.t = clock.t.Add(2 * time.Minute)
	_, err = iss.Verify(tok.Value)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrAuthentication))
	assert.Contains(t, err.Error(), "expired")
}

func TestVerify_WrongKey(t *testing.T) {
	iss, _ := newTestIssuer(t, time.Hour, false)
	other, err := NewIssuer(Config{SigningKey: []byte(strings.Repeat("z", 32)), TTL: time.Hour, Now: iss.now})
	require.NoError(t, err)

	tok, err := other.Issue("Teddy-ESP32-001", "child_1", "sess-1")
	require.NoError(t, err)

	_, err = iss.Verify(tok.Value)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrAuthentication))
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	iss, clock := newTestIssuer(t, time.Hour, false)
	claims := Claims{
		DeviceID: "Teddy-ESP32-001",
		ChildID:  "child_1",
		Type:     TypeDeviceAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   DefaultIssuer,
			Audience: jwt.ClaimStrings{DefaultAudience},
			IssuedAt: jwt.NewNumericDate(clock.t),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = iss.Verify(raw)
	require.Error(t, err)
}

func TestRefresh_CarriesChildAndSession(t *testing.T) {
	iss, clock := newTestIssuer(t, time.Minute, false)
	old, err := iss.Issue("Teddy-ESP32-001", "child_1", "sess-1")
	require.NoError(t, err)

	// Refresh does not require the old token to still be valid.
	clock.t = clock.t.Add(time.Hour)
	fresh, err := iss.Refresh("Teddy-ESP32-001", old.Value)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, "sess-1", fresh.SessionID)

	claims, err := iss.Verify(fresh.Value)
	require.NoError(t, err)
	assert.Equal(t, "child_1", claims.ChildID)
}

func TestRefresh_ValidatesDeviceID(t *testing.T) {
	iss, _ := newTestIssuer(t, time.Hour, false)

	_, err := iss.Refresh("bad id", "whatever")
	require.Error(t, err)
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.ErrValidation, ce.Type)
	assert.Equal(t, "body.device_id", ce.Fields[0].Loc)
}

func TestRefresh_DeviceMismatch(t *testing.T) {
	iss, _ := newTestIssuer(t, time.Hour, false)
	old, err := iss.Issue("Teddy-ESP32-001", "child_1", "sess-1")
	require.NoError(t, err)

	_, err = iss.Refresh("Teddy-ESP32-002", old.Value)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrValidation))
}

func TestRevoke_BlocksVerify(t *testing.T) {
	iss, clock := newTestIssuer(t, time.Minute, false)
	tok, err := iss.Issue("Teddy-ESP32-001", "child_1", "sess-1")
	require.NoError(t, err)

	_, err = iss.Revoke(tok.Value)
	require.NoError(t, err)

	_, err = iss.Verify(tok.Value)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")

	clock.t = clock.t.Add(2 * time.Minute)
	assert.Equal(t, 1, iss.CleanupRevocations())
}

func TestRevocations_NonExpiringEntriesSurviveCleanup(t *testing.T) {
	r := NewRevocations()
	now := time.Now()
	r.Revoke("forever", time.Time{})
	r.Revoke("short", now.Add(-time.Second))

	if got := r.Cleanup(now); got != 1 {
		t.Fatalf("Cleanup()=%d, want 1", got)
	}
	if !r.IsRevoked("forever") {
		t.Fatal("non-expiring revocation was dropped")
	}
	if r.Len() != 1 {
		t.Fatalf("Len()=%d, want 1", r.Len())
	}
}
