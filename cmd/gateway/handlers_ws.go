package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Governs-AI/governsai-console-sub004/pkg/auth"
	"github.com/Governs-AI/governsai-console-sub004/pkg/decision"
	"github.com/Governs-AI/governsai-console-sub004/pkg/httpx"
	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
	"github.com/Governs-AI/governsai-console-sub004/pkg/session"
)

type inboundFrame struct {
	Type           string          `json:"type"`
	Ref            string          `json:"ref,omitempty"`
	Channels       []string        `json:"channels,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	Schema         string          `json:"schema,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Type         string          `json:"type"`
	Ref          string          `json:"ref,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Channels     []string        `json:"channels,omitempty"`
	Channel      string          `json:"channel,omitempty"`
	ID           string          `json:"id,omitempty"`
	Deduplicated bool            `json:"deduplicated,omitempty"`
	Code         string          `json:"code,omitempty"`
	Detail       string          `json:"detail,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ackMemory replays transport-level acknowledgements for retried INGEST
// frames on the same connection. Bounded; oldest entries fall off. The
// store's unique index still protects anything the memory forgets.
type ackMemory struct {
	acks  map[string]outboundFrame
	order []string
	cap   int
}

func newAckMemory(capacity int) *ackMemory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ackMemory{acks: map[string]outboundFrame{}, cap: capacity}
}

func (m *ackMemory) get(key string) (outboundFrame, bool) {
	f, ok := m.acks[key]
	return f, ok
}

func (m *ackMemory) put(key string, f outboundFrame) {
	if key == "" {
		return
	}
	if _, exists := m.acks[key]; !exists {
		m.order = append(m.order, key)
		if len(m.order) > m.cap {
			delete(m.acks, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.acks[key] = f
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	offered := parseSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))
	principal, ok := s.wsPrincipal(offered)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, httpx.CodeUnauthorized, "missing or invalid bearer subprotocol")
		return
	}
	if !session.OriginAllowed(r.Header.Get("Origin"), s.WSOriginPatterns) {
		httpx.Error(w, http.StatusForbidden, httpx.CodeForbidden, "origin not allowed")
		return
	}
	sess, err := s.Sessions.Establish(r.Context(), principal, r)
	if err != nil {
		switch err {
		case session.ErrForbidden:
			httpx.Error(w, http.StatusForbidden, httpx.CodeForbidden, "network not allowed")
		case session.ErrUnauthorized:
			httpx.Error(w, http.StatusUnauthorized, httpx.CodeUnauthorized, "unauthenticated")
		default:
			httpx.Error(w, http.StatusServiceUnavailable, httpx.CodeUpstreamUnavailable, "session store unavailable")
		}
		return
	}
	allowed := session.AllowedChannels(principal)
	w.Header().Set("X-Session-Id", sess.ID)
	w.Header().Set("X-Session-Channels", strings.Join(allowed, ","))

	opts := &websocket.AcceptOptions{Subprotocols: []string{session.Subprotocol}}
	if len(s.WSOriginPatterns) > 0 {
		opts.OriginPatterns = s.WSOriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.Sessions.Close(context.Background(), sess.ID)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Attach(sess.ID)
	defer s.Events.Detach(sub)
	defer s.Sessions.Close(context.Background(), sess.ID)

	// Everyone watches their own notifications without an explicit SUB.
	if principal.UserID != "" {
		s.Events.Subscribe(sub, "user:"+principal.UserID+":notifications")
	}

	out := make(chan outboundFrame, 16)
	var missed int
	var missedMu sync.Mutex

	_ = wsjson.Write(ctx, conn, outboundFrame{Type: "READY", SessionID: sess.ID, Channels: allowed})

	readErr := make(chan error, 1)
	go func() {
		acks := newAckMemory(1024)
		for {
			var frame inboundFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				readErr <- err
				return
			}
			s.Sessions.Touch(ctx, sess.ID)
			missedMu.Lock()
			missed = 0
			missedMu.Unlock()
			switch strings.ToUpper(strings.TrimSpace(frame.Type)) {
			case "PONG":
				// Liveness already updated above.
			case "SUB":
				accepted := make([]string, 0, len(frame.Channels))
				for _, ch := range frame.Channels {
					if sess.CanSubscribe(ch) {
						accepted = append(accepted, strings.TrimSpace(ch))
					}
				}
				s.Events.Subscribe(sub, accepted...)
				s.send(ctx, out, outboundFrame{Type: "SUBACK", Ref: frame.Ref, Channels: accepted})
			case "UNSUB":
				s.Events.Unsubscribe(sub, frame.Channels...)
				s.send(ctx, out, outboundFrame{Type: "SUBACK", Ref: frame.Ref, Channels: s.Events.Channels(sub)})
			case "INGEST":
				s.send(ctx, out, s.handleIngestFrame(ctx, principal, acks, frame))
			default:
				s.send(ctx, out, outboundFrame{Type: "ERROR", Ref: frame.Ref, Code: httpx.CodeValidation, Detail: "unknown frame type"})
			}
		}
	}()

	heartbeat := s.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	maxMissed := s.MaxMissedPings
	if maxMissed <= 0 {
		maxMissed = 2
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C():
			if !ok {
				// Detached for queue overflow.
				_ = conn.Close(websocket.StatusPolicyViolation, "delivery queue overflow")
				return
			}
			if err := wsjson.Write(ctx, conn, outboundFrame{Type: "EVENT", Channel: evt.Channel, Data: evt.Data}); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
		case frame := <-out:
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
		case <-ticker.C:
			missedMu.Lock()
			missed++
			expired := missed > maxMissed
			missedMu.Unlock()
			if expired {
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := wsjson.Write(ctx, conn, outboundFrame{Type: "PING"}); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, out chan<- outboundFrame, frame outboundFrame) {
	select {
	case out <- frame:
	case <-ctx.Done():
	}
}

func (s *Server) handleIngestFrame(ctx context.Context, principal auth.Principal, acks *ackMemory, frame inboundFrame) outboundFrame {
	ref := frame.Ref
	if ref == "" {
		ref = frame.IdempotencyKey
	}
	if !auth.HasScope(principal, "decisions:write") {
		return outboundFrame{Type: "ERROR", Ref: ref, Code: httpx.CodeForbidden, Detail: "missing scope decisions:write"}
	}
	if frame.Schema != "" && frame.Schema != "decision.v1" {
		return outboundFrame{Type: "ERROR", Ref: ref, Code: httpx.CodeValidation, Detail: "unsupported schema " + frame.Schema}
	}
	if frame.IdempotencyKey != "" {
		if replay, ok := acks.get(frame.IdempotencyKey); ok {
			replay.Ref = ref
			return replay
		}
	}
	var d models.Decision
	if err := json.Unmarshal(frame.Data, &d); err != nil {
		return outboundFrame{Type: "ERROR", Ref: ref, Code: httpx.CodeValidation, Detail: "invalid decision payload"}
	}
	// Sessions ingest into their own org regardless of what the payload
	// claims. The frame-level channel records where the decision entered.
	d.OrgID = principal.OrgID
	if frame.Channel != "" {
		d.Channel = frame.Channel
	}
	res, err := s.Ingest.Ingest(ctx, d)
	if err != nil {
		code := httpx.CodeValidation
		if err == decision.ErrUpstreamUnavailable {
			code = httpx.CodeUpstreamUnavailable
		}
		return outboundFrame{Type: "ERROR", Ref: ref, Code: code, Detail: err.Error()}
	}
	s.observeIngest(d, res)
	ack := outboundFrame{Type: "ACK", Ref: ref, ID: res.ID, Deduplicated: res.Deduplicated}
	acks.put(frame.IdempotencyKey, ack)
	return ack
}

func (s *Server) wsPrincipal(offered []string) (auth.Principal, bool) {
	if strings.EqualFold(s.AuthMode, "off") {
		return auth.Principal{
			UserID: "anonymous",
			OrgID:  "anonymous",
			Scopes: []string{"decisions:read", "decisions:write", "approvals:read", "confirmations:write"},
		}, true
	}
	token, ok := session.BearerFromSubprotocols(offered)
	if !ok {
		return auth.Principal{}, false
	}
	claims, err := auth.VerifyHS256(token, s.AuthSecret, time.Now().UTC())
	if err != nil {
		return auth.Principal{}, false
	}
	return auth.FromClaims(claims), true
}

func parseSubprotocols(header string) []string {
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
