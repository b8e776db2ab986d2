package gateway

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCredentialExpiry(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cred := &Credential{ExpiresAt: now.Add(10 * time.Minute)}

	require.False(t, cred.Expired(now))
	require.False(t, cred.Expired(now.Add(10*time.Minute-time.Second)))
	require.True(t, cred.Expired(now.Add(10*time.Minute)))
	require.True(t, cred.Expired(now.Add(time.Hour)))
}

func TestCredentialExpiringWithin(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cred := &Credential{ExpiresAt: now.Add(90 * time.Second)}

	require.False(t, cred.ExpiringWithin(now, 60*time.Second))
	require.True(t, cred.ExpiringWithin(now, 2*time.Minute))
	require.True(t, cred.ExpiringWithin(now.Add(time.Minute), 60*time.Second))
}

func TestCredentialRefreshAfter(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	// 80% of the remaining lifetime
	cred := &Credential{ExpiresAt: now.Add(10 * time.Minute)}
	require.Equal(t, 8*time.Minute, cred.RefreshAfter(now))

	// Too little lifetime left: skip the refresh entirely
	short := &Credential{ExpiresAt: now.Add(45 * time.Second)}
	require.Equal(t, time.Duration(0), short.RefreshAfter(now))

	expired := &Credential{ExpiresAt: now.Add(-time.Minute)}
	require.Equal(t, time.Duration(0), expired.RefreshAfter(now))
}

func jwtWith(payload string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString([]byte(payload)) + ".sig"
}

func TestParseTokenClaims(t *testing.T) {
	claims := parseTokenClaims(jwtWith(`{"tenant_id":"t-1","integration_id":"i-1","site_id":"s-1"}`))
	require.Equal(t, "t-1", claims.TenantID)
	require.Equal(t, "i-1", claims.IntegrationID)
	require.Equal(t, "s-1", claims.SiteID)
}

func TestParseTokenClaims_PaddedSegment(t *testing.T) {
	header := base64.URLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload := base64.URLEncoding.EncodeToString([]byte(`{"tenant_id":"t-2"}`))
	claims := parseTokenClaims(header + "." + payload + ".sig")
	require.Equal(t, "t-2", claims.TenantID)
}

func TestParseTokenClaims_OpaqueTokens(t *testing.T) {
	require.Equal(t, tokenClaims{}, parseTokenClaims(""))
	require.Equal(t, tokenClaims{}, parseTokenClaims("not-a-jwt"))
	require.Equal(t, tokenClaims{}, parseTokenClaims("a.b"))
	require.Equal(t, tokenClaims{}, parseTokenClaims("a.!!!.c"))
	require.Equal(t, tokenClaims{}, parseTokenClaims(jwtWith("not json")))
}
