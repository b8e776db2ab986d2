package transport

import "github.com/yegors/webchat/internal/timeline"

// Frame types on the realtime channel
const (
	frameTypeAuth     = "auth"
	frameTypeJoin     = "join"
	frameTypeMessage  = "message"
	framePresenceType = "presence"
	frameTypeError    = "error"
)

// authFrame presents the credential in-band after connect. The token
// also travels as a query parameter and a bearer header; servers accept
// at least one of the three.
type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// joinFrame subscribes the connection to the conversation's room
type joinFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// outboundMessage carries the message text plus the full identity
// bundle so the server can authenticate and route without a lookup.
// Field casing mirrors the HTTP wire contract.
type outboundMessage struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	TempID         string `json:"temp_id,omitempty"`
	SessionID      string `json:"sessionId"`
	Fingerprint    string `json:"fingerprint"`
	ConversationID string `json:"conversation_id,omitempty"`
	VisitorID      string `json:"visitorId,omitempty"`
	TenantID       string `json:"tenantId,omitempty"`
	IntegrationID  string `json:"integration_id,omitempty"`
	SiteID         string `json:"siteId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Domain         string `json:"domain,omitempty"`
	Origin         string `json:"origin,omitempty"`
	URL            string `json:"url,omitempty"`
	Referrer       string `json:"referrer,omitempty"`
}

// inboundFrame is any server-pushed event
type inboundFrame struct {
	Type    string            `json:"type"`
	Message *timeline.Message `json:"message,omitempty"`
	Roster  []string          `json:"roster,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Identity is the outbound identity bundle attached to every send
type Identity struct {
	SessionID      string
	Fingerprint    string
	ConversationID string
	VisitorID      string
	TenantID       string
	IntegrationID  string
	SiteID         string
	UserID         string
	Domain         string
	Origin         string
	PageURL        string
	Referrer       string
}
