// Package session establishes and tracks live stream sessions: it maps a
// bearer principal to the channels it may receive, enforces network
// allowlists before any session row exists, and keeps liveness
// bookkeeping for reconnect diagnostics.
package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Governs-AI/governsai-console-sub004/pkg/auth"
)

const (
	// Subprotocol is the stream protocol name a client must offer.
	Subprotocol = "governs.v1"
	// BearerPrefix carries the access token as a second offered
	// subprotocol, since browser WebSocket clients cannot set headers.
	BearerPrefix = "bearer."
)

var (
	ErrUnauthorized = errors.New("session: missing or invalid credentials")
	ErrForbidden    = errors.New("session: network not allowed")
)

type sessionDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Session is one live stream connection's view of the world. Allowed is
// the full channel set the principal may ever subscribe to; Subscribed
// tracking lives in the fan-out router, not here.
type Session struct {
	ID          string
	UserID      string
	OrgID       string
	Allowed     map[string]bool
	RemoteIP    string
	ConnectedAt time.Time
}

type Manager struct {
	DB             sessionDB
	AllowedCIDRs   []*net.IPNet
	TrustedProxies []*net.IPNet

	now func() time.Time
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now().UTC()
}

// BearerFromSubprotocols extracts the token smuggled through the
// Sec-WebSocket-Protocol header alongside the stream protocol name.
func BearerFromSubprotocols(protocols []string) (string, bool) {
	for _, p := range protocols {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, BearerPrefix) && len(p) > len(BearerPrefix) {
			return p[len(BearerPrefix):], true
		}
	}
	return "", false
}

// AllowedChannels derives the channel ACL from the principal's scopes.
// Every authenticated principal may watch its own notification channel.
func AllowedChannels(p auth.Principal) []string {
	set := map[string]bool{}
	if p.UserID != "" {
		set["user:"+p.UserID+":notifications"] = true
	}
	if p.OrgID != "" {
		if auth.HasScope(p, "decisions:read") {
			set["org:"+p.OrgID+":decisions"] = true
			set["org:"+p.OrgID+":postcheck"] = true
		}
		if auth.HasScope(p, "decisions:write") {
			set["org:"+p.OrgID+":decisions"] = true
			set["org:"+p.OrgID+":postcheck"] = true
			set["org:"+p.OrgID+":dlq"] = true
		}
		if auth.HasScope(p, "approvals:read") {
			set["org:"+p.OrgID+":approvals"] = true
		}
	}
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// CanSubscribe reports whether the session's ACL covers the channel.
// Callers drop disallowed subscriptions silently rather than erroring,
// so a probe cannot distinguish "no such channel" from "not yours".
func (s Session) CanSubscribe(channel string) bool {
	return s.Allowed[strings.TrimSpace(channel)]
}

// Establish checks the network allowlist and records the session. The
// principal must already be verified; an empty user id is rejected here
// rather than trusted downstream. A client may offer its previous
// session id in X-Session-Id to resume after a reconnect; the id is
// reused only when the stored row belongs to the same principal.
func (m *Manager) Establish(ctx context.Context, p auth.Principal, r *http.Request) (Session, error) {
	if p.UserID == "" && p.OrgID == "" {
		return Session{}, ErrUnauthorized
	}
	ip := m.ClientIP(r)
	if !m.ipAllowed(ip) {
		return Session{}, ErrForbidden
	}
	sess := Session{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		OrgID:       p.OrgID,
		Allowed:     map[string]bool{},
		RemoteIP:    ip,
		ConnectedAt: m.clock(),
	}
	for _, ch := range AllowedChannels(p) {
		sess.Allowed[ch] = true
	}
	if requested := strings.TrimSpace(r.Header.Get("X-Session-Id")); requested != "" {
		if id, err := uuid.Parse(requested); err == nil {
			sess.ID = id.String()
		}
	}
	if m.DB != nil {
		cmd, err := m.DB.Exec(ctx, `
			INSERT INTO ws_sessions (id, user_id, org_id, remote_ip, connected_at, last_seen)
			VALUES ($1,$2,$3,$4,$5,$5)
			ON CONFLICT (id) DO UPDATE
			SET remote_ip=EXCLUDED.remote_ip, last_seen=EXCLUDED.last_seen, disconnected_at=NULL
			WHERE ws_sessions.user_id=EXCLUDED.user_id AND ws_sessions.org_id=EXCLUDED.org_id
		`, sess.ID, sess.UserID, sess.OrgID, sess.RemoteIP, sess.ConnectedAt)
		if err != nil {
			return Session{}, err
		}
		if cmd.RowsAffected() == 0 {
			// The requested id belongs to someone else; issue a fresh one.
			sess.ID = uuid.NewString()
			if _, err := m.DB.Exec(ctx, `
				INSERT INTO ws_sessions (id, user_id, org_id, remote_ip, connected_at, last_seen)
				VALUES ($1,$2,$3,$4,$5,$5)
			`, sess.ID, sess.UserID, sess.OrgID, sess.RemoteIP, sess.ConnectedAt); err != nil {
				return Session{}, err
			}
		}
	}
	return sess, nil
}

// Touch bumps liveness. Called on PONG and on any inbound frame.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	if m.DB == nil {
		return
	}
	_, _ = m.DB.Exec(ctx, `UPDATE ws_sessions SET last_seen=$2 WHERE id=$1`, sessionID, m.clock())
}

// Close marks the session ended. Idempotent.
func (m *Manager) Close(ctx context.Context, sessionID string) {
	if m.DB == nil {
		return
	}
	_, _ = m.DB.Exec(ctx, `UPDATE ws_sessions SET disconnected_at=$2 WHERE id=$1 AND disconnected_at IS NULL`, sessionID, m.clock())
}

func (m *Manager) ipAllowed(ipStr string) bool {
	if len(m.AllowedCIDRs) == 0 {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range m.AllowedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller's address, honoring forwarding headers
// only when the direct peer is a trusted proxy.
func (m *Manager) ClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if m.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (m *Manager) isTrustedProxy(ipStr string) bool {
	if len(m.TrustedProxies) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range m.TrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return ""
}

// ParseCIDRs reads a comma separated allowlist. Bare addresses become
// single-host networks.
func ParseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

// OriginAllowed checks a browser Origin header against the configured
// host patterns. It runs before any session row is written, so a denied
// origin leaves no trace in ws_sessions. An absent Origin is allowed
// because non-browser clients do not send one; an empty pattern list
// defers to the websocket accept path's same-host default.
func OriginAllowed(origin string, patterns []string) bool {
	if origin == "" || len(patterns) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, p := range patterns {
		matched, err := filepath.Match(strings.ToLower(p), host)
		if err == nil && matched {
			return true
		}
	}
	return false
}

// OriginPatterns reads the comma separated WS origin allowlist used by
// the websocket accept options.
func OriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
