package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Confirmation statuses. Pending is the only non-terminal state.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusDenied    = "denied"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Decision directions.
const (
	DirectionPrecheck  = "precheck"
	DirectionPostcheck = "postcheck"
)

// Decision verdicts.
const (
	VerdictAllow     = "allow"
	VerdictTransform = "transform"
	VerdictDeny      = "deny"
)

var (
	ErrInvalidDirection   = errors.New("direction must be precheck or postcheck")
	ErrInvalidVerdict     = errors.New("decision must be allow, transform or deny")
	ErrInvalidPayloadHash = errors.New("payload_hash must carry an algorithm prefix")
	ErrNegativeLatency    = errors.New("latency_ms must be non-negative")
)

// Confirmation is a pending out-of-band approval request. Rows are never
// deleted; terminal rows remain as audit artifacts.
type Confirmation struct {
	ID                   string          `json:"id"`
	OrgID                string          `json:"org_id"`
	UserID               string          `json:"user_id"`
	CredentialID         string          `json:"credential_id"`
	CorrelationID        string          `json:"correlation_id"`
	RequestType          string          `json:"request_type"`
	RequestDesc          string          `json:"request_desc"`
	RequestPayload       json.RawMessage `json:"request_payload,omitempty"`
	Decision             string          `json:"decision,omitempty"`
	Reasons              []string        `json:"reasons,omitempty"`
	Challenge            []byte          `json:"-"`
	Status               string          `json:"status"`
	ExpiresAt            time.Time       `json:"expires_at"`
	ApprovedAt           *time.Time      `json:"approved_at,omitempty"`
	ApprovedCredentialID string          `json:"approved_credential_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// PublicView strips the challenge and token-bearing fields for the
// unauthenticated lookup path.
type PublicView struct {
	CorrelationID string     `json:"correlation_id"`
	RequestType   string     `json:"request_type"`
	RequestDesc   string     `json:"request_desc"`
	Decision      string     `json:"decision,omitempty"`
	Reasons       []string   `json:"reasons,omitempty"`
	Status        string     `json:"status"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
}

func (c Confirmation) Public() PublicView {
	return PublicView{
		CorrelationID: c.CorrelationID,
		RequestType:   c.RequestType,
		RequestDesc:   c.RequestDesc,
		Decision:      c.Decision,
		Reasons:       c.Reasons,
		Status:        c.Status,
		ExpiresAt:     c.ExpiresAt,
		ApprovedAt:    c.ApprovedAt,
	}
}

// Decision is one governance verdict. Immutable once written;
// (OrgID, PayloadHash, CorrelationID) is the idempotency key.
type Decision struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"org_id"`
	Direction       string          `json:"direction"`
	Decision        string          `json:"decision"`
	Tool            string          `json:"tool,omitempty"`
	Scope           string          `json:"scope,omitempty"`
	DetectorSummary json.RawMessage `json:"detector_summary,omitempty"`
	PayloadHash     string          `json:"payload_hash"`
	LatencyMS       *int64          `json:"latency_ms,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	Channel         string          `json:"channel,omitempty"`
	CreatedAt       time.Time       `json:"ts"`
}

// Validate enforces the ingest preconditions before any storage write.
func (d Decision) Validate() error {
	switch d.Direction {
	case DirectionPrecheck, DirectionPostcheck:
	default:
		return ErrInvalidDirection
	}
	switch d.Decision {
	case VerdictAllow, VerdictTransform, VerdictDeny:
	default:
		return ErrInvalidVerdict
	}
	if !ValidPayloadHash(d.PayloadHash) {
		return ErrInvalidPayloadHash
	}
	if d.LatencyMS != nil && *d.LatencyMS < 0 {
		return ErrNegativeLatency
	}
	return nil
}

var hashAlgs = map[string]struct{}{
	"sha256": {},
	"sha384": {},
	"sha512": {},
}

// ValidPayloadHash requires "<alg>:<digest>" with a known algorithm.
func ValidPayloadHash(h string) bool {
	alg, digest, ok := strings.Cut(h, ":")
	if !ok || digest == "" {
		return false
	}
	_, known := hashAlgs[strings.ToLower(alg)]
	return known
}

// Credential is a registered public-key authenticator.
type Credential struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	PublicKey []byte    `json:"-"`
	SignCount uint64    `json:"sign_count"`
	Label     string    `json:"label,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the durable record of a gateway connection. Rows are reused
// across reconnects keyed by session id.
type Session struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	UserID       string    `json:"user_id"`
	CredentialID string    `json:"credential_id"`
	GatewayID    string    `json:"gateway_id"`
	Channels     []string  `json:"channels"`
	Cursor       string    `json:"cursor,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Active       bool      `json:"active"`
}

// DedupKey builds the business-level idempotency key. A missing
// correlation id still participates as the empty component.
func DedupKey(orgID, payloadHash, correlationID string) string {
	return orgID + ":" + payloadHash + ":" + correlationID
}
