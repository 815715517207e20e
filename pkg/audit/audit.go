package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends audit records. Audit rows are append-only; nothing in
// the gateway updates or deletes them.
type Writer struct {
	DB auditDB
}

type Record struct {
	ID            string
	Kind          string
	OrgID         string
	ActorID       string
	CorrelationID string
	Detail        json.RawMessage
	CreatedAt     time.Time
}

// Kinds written by the gateway.
const (
	KindConfirmationCreated   = "confirmation.created"
	KindConfirmationApproved  = "confirmation.approved"
	KindConfirmationCancelled = "confirmation.cancelled"
	KindConfirmationExpired   = "confirmation.expired"
	KindDecisionIngested      = "decision.ingested"
)

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records (id, kind, org_id, actor_id, correlation_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.Kind, rec.OrgID, rec.ActorID, rec.CorrelationID, rec.Detail, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, id, orgID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT id, kind, org_id, actor_id, correlation_id, detail, created_at
		FROM audit_records WHERE org_id=$1 AND id=$2
	`, orgID, id)
	var detail json.RawMessage
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.OrgID, &rec.ActorID, &rec.CorrelationID, &detail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Detail = detail
	return rec, nil
}
