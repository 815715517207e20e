package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
)

type sessionRow struct {
	ID           string
	UserID       string
	OrgID        string
	Disconnected bool
}

// gwDB emulates every statement the gateway issues across confirmations,
// credentials, decisions, sessions and audit, with the same claim and
// unique-index semantics as postgres.
type gwDB struct {
	mu            sync.Mutex
	confirmations map[string]*models.Confirmation
	credentials   map[string]*models.Credential
	decisions     []models.Decision
	sessions      map[string]*sessionRow
	auditKinds    []string
}

func newGwDB() *gwDB {
	return &gwDB{
		confirmations: map[string]*models.Confirmation{},
		credentials:   map[string]*models.Credential{},
		sessions:      map[string]*sessionRow{},
	}
}

func gwConfKey(orgID, correlationID string) string { return orgID + "\x00" + correlationID }

func (m *gwDB) decisionByKey(orgID, hash, corr string) (models.Decision, bool) {
	for _, d := range m.decisions {
		if d.OrgID == orgID && d.PayloadHash == hash && d.CorrelationID == corr {
			return d, true
		}
	}
	return models.Decision{}, false
}

func (m *gwDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO confirmations"):
		conf := models.Confirmation{
			ID:            args[0].(string),
			OrgID:         args[1].(string),
			UserID:        args[2].(string),
			CredentialID:  args[3].(string),
			CorrelationID: args[4].(string),
			RequestType:   args[5].(string),
			RequestDesc:   args[6].(string),
			Status:        args[11].(string),
			ExpiresAt:     args[12].(time.Time),
			CreatedAt:     args[13].(time.Time),
		}
		if raw, ok := args[7].([]byte); ok {
			conf.RequestPayload = raw
		}
		if s, ok := args[8].(string); ok {
			conf.Decision = s
		}
		if rs, ok := args[9].([]string); ok {
			conf.Reasons = rs
		}
		conf.Challenge = append([]byte(nil), args[10].([]byte)...)
		key := gwConfKey(conf.OrgID, conf.CorrelationID)
		if _, exists := m.confirmations[key]; exists {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		m.confirmations[key] = &conf
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "UPDATE confirmations SET challenge"):
		conf, ok := m.confirmations[gwConfKey(args[0].(string), args[1].(string))]
		if !ok || conf.Status != args[3].(string) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		conf.Challenge = append([]byte(nil), args[2].([]byte)...)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "UPDATE confirmations SET status=$3, approved_at"):
		conf, ok := m.confirmations[gwConfKey(args[0].(string), args[1].(string))]
		if !ok || conf.Status != args[5].(string) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		conf.Status = args[2].(string)
		at := args[3].(time.Time)
		conf.ApprovedAt = &at
		conf.ApprovedCredentialID = args[4].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "UPDATE confirmations SET status=$1 WHERE status=$2"):
		n := 0
		deadline := args[2].(time.Time)
		for _, conf := range m.confirmations {
			if conf.Status == args[1].(string) && !conf.ExpiresAt.After(deadline) {
				conf.Status = args[0].(string)
				n++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil

	case strings.Contains(sql, "UPDATE confirmations SET status"):
		conf, ok := m.confirmations[gwConfKey(args[0].(string), args[1].(string))]
		if !ok || conf.Status != args[3].(string) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		conf.Status = args[2].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "UPDATE credentials SET sign_count"):
		cred, ok := m.credentials[args[0].(string)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		cred.SignCount = args[1].(uint64)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "INSERT INTO decisions"):
		d := models.Decision{
			ID:            args[0].(string),
			OrgID:         args[1].(string),
			Direction:     args[2].(string),
			Decision:      args[3].(string),
			Tool:          args[4].(string),
			Scope:         args[5].(string),
			PayloadHash:   args[7].(string),
			CorrelationID: args[9].(string),
			Channel:       args[11].(string),
			CreatedAt:     args[12].(time.Time),
		}
		if _, exists := m.decisionByKey(d.OrgID, d.PayloadHash, d.CorrelationID); exists {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		m.decisions = append(m.decisions, d)
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "INSERT INTO ws_sessions") && strings.Contains(sql, "ON CONFLICT"):
		id, userID, orgID := args[0].(string), args[1].(string), args[2].(string)
		if row, exists := m.sessions[id]; exists {
			if row.UserID != userID || row.OrgID != orgID {
				return pgconn.NewCommandTag("INSERT 0 0"), nil
			}
			row.Disconnected = false
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		}
		m.sessions[id] = &sessionRow{ID: id, UserID: userID, OrgID: orgID}
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "INSERT INTO ws_sessions"):
		id := args[0].(string)
		m.sessions[id] = &sessionRow{ID: id, UserID: args[1].(string), OrgID: args[2].(string)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "UPDATE ws_sessions SET last_seen"):
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "UPDATE ws_sessions SET disconnected_at"):
		if row, ok := m.sessions[args[0].(string)]; ok {
			row.Disconnected = true
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "INSERT INTO audit_records"):
		m.auditKinds = append(m.auditKinds, args[1].(string))
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("gwDB: unrecognized exec: " + sql)
}

func (m *gwDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "FROM confirmations"):
		conf, ok := m.confirmations[gwConfKey(args[0].(string), args[1].(string))]
		if !ok {
			return gwRow{err: pgx.ErrNoRows}
		}
		copied := *conf
		return gwRow{conf: &copied}
	case strings.Contains(sql, "FROM credentials WHERE id"):
		cred, ok := m.credentials[args[0].(string)]
		if !ok {
			return gwRow{err: pgx.ErrNoRows}
		}
		copied := *cred
		return gwRow{cred: &copied}
	case strings.Contains(sql, "SELECT id FROM decisions"):
		if d, ok := m.decisionByKey(args[0].(string), args[1].(string), args[2].(string)); ok {
			return gwRow{str: d.ID}
		}
		return gwRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "SELECT created_at FROM decisions"):
		for _, d := range m.decisions {
			if d.OrgID == args[0].(string) && d.ID == args[1].(string) {
				return gwRow{ts: d.CreatedAt}
			}
		}
		return gwRow{err: pgx.ErrNoRows}
	}
	return gwRow{err: errors.New("gwDB: unrecognized query row: " + sql)}
}

func (m *gwDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "SELECT id FROM credentials"):
		var ids []string
		for _, cred := range m.credentials {
			if cred.UserID == args[0].(string) && cred.OrgID == args[1].(string) && cred.Active {
				ids = append(ids, cred.ID)
			}
		}
		return &gwIDRows{ids: ids}, nil
	case strings.Contains(sql, "FROM decisions"):
		orgID := args[0].(string)
		since := args[1].(time.Time)
		sinceID := args[2].(string)
		limit := args[3].(int)
		var out []models.Decision
		for _, d := range m.decisions {
			if d.OrgID != orgID {
				continue
			}
			if d.CreatedAt.After(since) || (d.CreatedAt.Equal(since) && d.ID > sinceID) {
				out = append(out, d)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
		if len(out) > limit {
			out = out[:limit]
		}
		return &gwDecisionRows{rows: out, idx: -1}, nil
	}
	return nil, errors.New("gwDB: unrecognized query: " + sql)
}

type gwRow struct {
	conf *models.Confirmation
	cred *models.Credential
	str  string
	ts   time.Time
	err  error
}

func (r gwRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.cred != nil {
		*(dest[0].(*string)) = r.cred.ID
		*(dest[1].(*string)) = r.cred.UserID
		*(dest[2].(*string)) = r.cred.OrgID
		*(dest[3].(*[]byte)) = append([]byte(nil), r.cred.PublicKey...)
		*(dest[4].(*uint64)) = r.cred.SignCount
		*(dest[5].(*bool)) = r.cred.Active
		*(dest[6].(*time.Time)) = r.cred.CreatedAt
		return nil
	}
	if r.conf != nil {
		c := r.conf
		*(dest[0].(*string)) = c.ID
		*(dest[1].(*string)) = c.OrgID
		*(dest[2].(*string)) = c.UserID
		*(dest[3].(*string)) = c.CredentialID
		*(dest[4].(*string)) = c.CorrelationID
		*(dest[5].(*string)) = c.RequestType
		*(dest[6].(*string)) = c.RequestDesc
		*(dest[7].(*[]byte)) = append([]byte(nil), c.RequestPayload...)
		*(dest[8].(*string)) = c.Decision
		*(dest[9].(*[]string)) = append([]string(nil), c.Reasons...)
		*(dest[10].(*[]byte)) = append([]byte(nil), c.Challenge...)
		*(dest[11].(*string)) = c.Status
		*(dest[12].(*time.Time)) = c.ExpiresAt
		*(dest[13].(**time.Time)) = c.ApprovedAt
		if c.ApprovedCredentialID != "" {
			v := c.ApprovedCredentialID
			*(dest[14].(**string)) = &v
		} else {
			*(dest[14].(**string)) = nil
		}
		*(dest[15].(*time.Time)) = c.CreatedAt
		return nil
	}
	switch d := dest[0].(type) {
	case *string:
		*d = r.str
	case *time.Time:
		*d = r.ts
	}
	return nil
}

type gwIDRows struct {
	ids []string
	idx int
}

func (r *gwIDRows) Close()                                       {}
func (r *gwIDRows) Err() error                                   { return nil }
func (r *gwIDRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *gwIDRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *gwIDRows) RawValues() [][]byte                          { return nil }
func (r *gwIDRows) Conn() *pgx.Conn                              { return nil }
func (r *gwIDRows) Values() ([]any, error)                       { return nil, nil }

func (r *gwIDRows) Next() bool {
	if r.idx >= len(r.ids) {
		return false
	}
	r.idx++
	return true
}

func (r *gwIDRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.ids) {
		return errors.New("no current row")
	}
	*(dest[0].(*string)) = r.ids[r.idx-1]
	return nil
}

type gwDecisionRows struct {
	rows []models.Decision
	idx  int
}

func (r *gwDecisionRows) Close()                                       {}
func (r *gwDecisionRows) Err() error                                   { return nil }
func (r *gwDecisionRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *gwDecisionRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *gwDecisionRows) RawValues() [][]byte                          { return nil }
func (r *gwDecisionRows) Conn() *pgx.Conn                              { return nil }
func (r *gwDecisionRows) Values() ([]any, error)                       { return nil, nil }

func (r *gwDecisionRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *gwDecisionRows) Scan(dest ...any) error {
	d := r.rows[r.idx]
	*(dest[0].(*string)) = d.ID
	*(dest[1].(*string)) = d.OrgID
	*(dest[2].(*string)) = d.Direction
	*(dest[3].(*string)) = d.Decision
	*(dest[4].(*string)) = d.Tool
	*(dest[5].(*string)) = d.Scope
	*(dest[6].(*[]byte)) = d.DetectorSummary
	*(dest[7].(*string)) = d.PayloadHash
	*(dest[8].(**int64)) = d.LatencyMS
	*(dest[9].(*string)) = d.CorrelationID
	*(dest[10].(*[]string)) = d.Tags
	*(dest[11].(*string)) = d.Channel
	*(dest[12].(*time.Time)) = d.CreatedAt
	return nil
}
