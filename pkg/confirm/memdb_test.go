package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
)

// memDB emulates the handful of statements the coordinator issues,
// including conditional-update claim semantics, so races are testable
// without postgres.
type memDB struct {
	mu            sync.Mutex
	confirmations map[string]*models.Confirmation
	credentials   map[string]*models.Credential
	execErr       error
	execErrOn     string // fail only statements containing this fragment
}

func newMemDB() *memDB {
	return &memDB{
		confirmations: map[string]*models.Confirmation{},
		credentials:   map[string]*models.Credential{},
	}
}

func confKey(orgID, correlationID string) string { return orgID + "\x00" + correlationID }

func (m *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execErr != nil && (m.execErrOn == "" || strings.Contains(sql, m.execErrOn)) {
		return pgconn.CommandTag{}, m.execErr
	}
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
		key := confKey(conf.OrgID, conf.CorrelationID)
		if _, exists := m.confirmations[key]; exists {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		m.confirmations[key] = &conf
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "UPDATE confirmations SET challenge"):
		conf, ok := m.confirmations[confKey(args[0].(string), args[1].(string))]
		if !ok || conf.Status != args[3].(string) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		conf.Challenge = append([]byte(nil), args[2].([]byte)...)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "UPDATE confirmations SET status=$3, approved_at"):
		conf, ok := m.confirmations[confKey(args[0].(string), args[1].(string))]
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
		conf, ok := m.confirmations[confKey(args[0].(string), args[1].(string))]
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
	}
	return pgconn.CommandTag{}, errors.New("memDB: unrecognized exec: " + sql)
}

func (m *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "FROM confirmations"):
		conf, ok := m.confirmations[confKey(args[0].(string), args[1].(string))]
		if !ok {
			return memRow{err: pgx.ErrNoRows}
		}
		copied := *conf
		return memRow{conf: &copied}
	case strings.Contains(sql, "FROM credentials WHERE id"):
		cred, ok := m.credentials[args[0].(string)]
		if !ok {
			return memRow{err: pgx.ErrNoRows}
		}
		copied := *cred
		return memRow{cred: &copied}
	}
	return memRow{err: errors.New("memDB: unrecognized query row: " + sql)}
}

func (m *memDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !strings.Contains(sql, "SELECT id FROM credentials") {
		return nil, errors.New("memDB: unrecognized query: " + sql)
	}
	var ids []string
	for _, cred := range m.credentials {
		if cred.UserID == args[0].(string) && cred.OrgID == args[1].(string) && cred.Active {
			ids = append(ids, cred.ID)
		}
	}
	return &memRows{ids: ids}, nil
}

type memRow struct {
	conf *models.Confirmation
	cred *models.Credential
	err  error
}

func (r memRow) Scan(dest ...any) error {
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

type memRows struct {
	ids []string
	idx int
}

func (r *memRows) Close()                                       {}
func (r *memRows) Err() error                                   { return nil }
func (r *memRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *memRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *memRows) RawValues() [][]byte                          { return nil }
func (r *memRows) Conn() *pgx.Conn                              { return nil }

func (r *memRows) Next() bool {
	if r.idx >= len(r.ids) {
		return false
	}
	r.idx++
	return true
}

func (r *memRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.ids) {
		return errors.New("no current row")
	}
	*(dest[0].(*string)) = r.ids[r.idx-1]
	return nil
}

func (r *memRows) Values() ([]any, error) { return nil, nil }
