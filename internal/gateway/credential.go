package gateway

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Credential is the short-lived realtime credential obtained from the
// init handshake: an opaque token, the websocket endpoint, and the
// resolved routing identity.
type Credential struct {
	Token         string
	Endpoint      string
	TenantID      string
	IntegrationID string
	SiteID        string
	ExpiresAt     time.Time
}

// Expired reports whether the credential is past its expiry
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ExpiringWithin reports whether the credential expires within d
func (c *Credential) ExpiringWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt.Before(now.Add(d))
}

// RefreshAfter returns how long to wait before proactively refreshing:
// 80% of the remaining lifetime. Zero means skip the refresh — a
// remaining lifetime under a minute would just cause refresh storms.
func (c *Credential) RefreshAfter(now time.Time) time.Duration {
	remaining := c.ExpiresAt.Sub(now)
	if remaining < 60*time.Second {
		return 0
	}
	return time.Duration(float64(remaining) * 0.8)
}

// tokenClaims are routing identifiers embedded redundantly inside the
// token payload, used as a fallback when the handshake response omits
// them.
type tokenClaims struct {
	TenantID      string `json:"tenant_id"`
	IntegrationID string `json:"integration_id"`
	SiteID        string `json:"site_id"`
}

// parseTokenClaims leniently extracts claims from a JWT-shaped token.
// Anything that does not look like header.payload.signature with a
// JSON payload yields empty claims, never an error — the token is
// opaque by contract and the claims are only a resilience fallback.
func parseTokenClaims(token string) tokenClaims {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenClaims{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad their segments
		payload, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return tokenClaims{}
		}
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return tokenClaims{}
	}
	return claims
}
