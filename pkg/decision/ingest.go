package decision

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Governs-AI/governsai-console-sub004/pkg/audit"
	"github.com/Governs-AI/governsai-console-sub004/pkg/fanout"
	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
	"github.com/Governs-AI/governsai-console-sub004/pkg/store"
)

var ErrUpstreamUnavailable = errors.New("decision store unavailable")

type ingestDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Ingestor makes decision ingestion exactly-once-effective under
// at-least-once delivery. The lookaside cache is advisory; the store's
// unique index on (org_id, payload_hash, correlation_id) is the
// cross-process correctness mechanism.
type Ingestor struct {
	DB        ingestDB
	Lookaside store.Lookaside
	Audit     auditStore
	Events    *fanout.Router

	now func() time.Time
}

func (i *Ingestor) clock() time.Time {
	if i.now != nil {
		return i.now()
	}
	return time.Now().UTC()
}

type Result struct {
	ID           string `json:"id"`
	Deduplicated bool   `json:"deduplicated"`
}

// Ingest validates, deduplicates and persists one decision, then fans it
// out. Duplicates return the stored id without a second row or a second
// fan-out event.
func (i *Ingestor) Ingest(ctx context.Context, d models.Decision) (Result, error) {
	if err := d.Validate(); err != nil {
		return Result{}, err
	}
	key := models.DedupKey(d.OrgID, d.PayloadHash, d.CorrelationID)
	if i.Lookaside != nil {
		if id, ok := i.Lookaside.Get(ctx, key); ok {
			return Result{ID: id, Deduplicated: true}, nil
		}
	}
	if id, found, err := i.lookupStored(ctx, d); err != nil {
		return Result{}, err
	} else if found {
		if i.Lookaside != nil {
			i.Lookaside.Put(ctx, key, id)
		}
		return Result{ID: id, Deduplicated: true}, nil
	}

	d.ID = uuid.NewString()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = i.clock()
	}
	_, err := i.DB.Exec(ctx, `
		INSERT INTO decisions
		(id, org_id, direction, decision, tool, scope, detector_summary, payload_hash, latency_ms, correlation_id, tags, channel, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, d.ID, d.OrgID, d.Direction, d.Decision, d.Tool, d.Scope, d.DetectorSummary, d.PayloadHash, d.LatencyMS,
		d.CorrelationID, d.Tags, d.Channel, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent writer won; resolve to its row.
			id, found, lookupErr := i.lookupStored(ctx, d)
			if lookupErr != nil || !found {
				return Result{}, ErrUpstreamUnavailable
			}
			if i.Lookaside != nil {
				i.Lookaside.Put(ctx, key, id)
			}
			return Result{ID: id, Deduplicated: true}, nil
		}
		return Result{}, ErrUpstreamUnavailable
	}
	if i.Lookaside != nil {
		i.Lookaside.Put(ctx, key, d.ID)
	}
	i.auditIngest(ctx, d)
	if i.Events != nil {
		i.Events.Publish(fanout.NewEvent(DeliveryChannel(d), d))
	}
	return Result{ID: d.ID, Deduplicated: false}, nil
}

// DeliveryChannel resolves where a decision fans out.
func DeliveryChannel(d models.Decision) string {
	if d.Direction == models.DirectionPostcheck {
		return "org:" + d.OrgID + ":postcheck"
	}
	return "org:" + d.OrgID + ":decisions"
}

// List returns an organization's decisions after an optional cursor,
// oldest first, for session resumption after a reconnect.
func (i *Ingestor) List(ctx context.Context, orgID, sinceID string, limit int) ([]models.Decision, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var since time.Time
	if sinceID != "" {
		row := i.DB.QueryRow(ctx, `SELECT created_at FROM decisions WHERE org_id=$1 AND id=$2`, orgID, sinceID)
		if err := row.Scan(&since); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				since = time.Time{}
			} else {
				return nil, err
			}
		}
	}
	// The id tie-break keeps decisions sharing the cursor row's timestamp
	// from disappearing between pages.
	rows, err := i.DB.Query(ctx, `
		SELECT id, org_id, direction, decision, tool, scope, detector_summary, payload_hash, latency_ms, correlation_id, tags, channel, created_at
		FROM decisions WHERE org_id=$1 AND (created_at > $2 OR (created_at = $2 AND id > $3)) ORDER BY created_at ASC, id ASC LIMIT $4
	`, orgID, since, sinceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Decision
	for rows.Next() {
		var d models.Decision
		var summary []byte
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Direction, &d.Decision, &d.Tool, &d.Scope, &summary, &d.PayloadHash,
			&d.LatencyMS, &d.CorrelationID, &d.Tags, &d.Channel, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.DetectorSummary = summary
		out = append(out, d)
	}
	return out, rows.Err()
}

func (i *Ingestor) lookupStored(ctx context.Context, d models.Decision) (string, bool, error) {
	row := i.DB.QueryRow(ctx, `
		SELECT id FROM decisions WHERE org_id=$1 AND payload_hash=$2 AND correlation_id=$3
	`, d.OrgID, d.PayloadHash, d.CorrelationID)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, ErrUpstreamUnavailable
	}
	return id, true, nil
}

func (i *Ingestor) auditIngest(ctx context.Context, d models.Decision) {
	if i.Audit == nil {
		return
	}
	detail, _ := json.Marshal(map[string]any{
		"direction":  d.Direction,
		"decision":   d.Decision,
		"tool":       d.Tool,
		"latency_ms": d.LatencyMS,
		"channel":    d.Channel,
	})
	_ = i.Audit.Append(ctx, audit.Record{
		ID:            uuid.NewString(),
		Kind:          audit.KindDecisionIngested,
		OrgID:         d.OrgID,
		CorrelationID: d.CorrelationID,
		Detail:        detail,
		CreatedAt:     i.clock(),
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
