package confirm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Governs-AI/governsai-console-sub004/pkg/audit"
	"github.com/Governs-AI/governsai-console-sub004/pkg/auth"
	"github.com/Governs-AI/governsai-console-sub004/pkg/confirmfsm"
	"github.com/Governs-AI/governsai-console-sub004/pkg/fanout"
	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
	"github.com/Governs-AI/governsai-console-sub004/pkg/webauthn"
)

var (
	ErrConflict           = errors.New("correlation id already used")
	ErrNotFound           = errors.New("confirmation not found")
	ErrExpired            = errors.New("confirmation expired")
	ErrNoCredentials      = errors.New("no registered credentials")
	ErrCredentialMismatch = errors.New("credential does not belong to the confirmation owner")
	ErrVerificationFailed = errors.New("credential verification failed")
)

// StateError reports a transition attempted from the wrong state,
// carrying the actual current status so clients can reconcile.
type StateError struct {
	Current string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("confirmation is %s, not pending", e.Current)
}

type confirmDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Coordinator owns the confirmation state machine. All transitions are
// claimed with conditional updates so concurrent cancel/verify/expire
// races resolve to exactly one winner.
type Coordinator struct {
	DB          confirmDB
	Audit       auditStore
	Events      *fanout.Router
	TokenSecret string
	TokenIssuer string
	Origin      string
	RPID        string
	PendingTTL  time.Duration
	TokenTTL    time.Duration

	now func() time.Time
}

const (
	DefaultPendingTTL = 5 * time.Minute
	DefaultTokenTTL   = 10 * time.Minute
)

func (c *Coordinator) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now().UTC()
}

func (c *Coordinator) pendingTTL() time.Duration {
	if c.PendingTTL > 0 {
		return c.PendingTTL
	}
	return DefaultPendingTTL
}

func (c *Coordinator) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return DefaultTokenTTL
}

type CreateRequest struct {
	CorrelationID  string          `json:"correlation_id"`
	RequestType    string          `json:"request_type"`
	RequestDesc    string          `json:"request_desc"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
	Decision       string          `json:"decision,omitempty"`
	Reasons        []string        `json:"reasons,omitempty"`
}

// Create persists a pending confirmation with a fresh challenge and a
// short expiry window.
func (c *Coordinator) Create(ctx context.Context, p auth.Principal, req CreateRequest) (models.Confirmation, error) {
	if req.CorrelationID == "" {
		return models.Confirmation{}, errors.New("correlation_id required")
	}
	if req.RequestType == "" || req.RequestDesc == "" {
		return models.Confirmation{}, errors.New("request_type and request_desc required")
	}
	challenge, err := webauthn.GenerateChallenge()
	if err != nil {
		return models.Confirmation{}, err
	}
	now := c.clock()
	conf := models.Confirmation{
		ID:             uuid.NewString(),
		OrgID:          p.OrgID,
		UserID:         p.UserID,
		CredentialID:   p.CredentialID,
		CorrelationID:  req.CorrelationID,
		RequestType:    req.RequestType,
		RequestDesc:    req.RequestDesc,
		RequestPayload: req.RequestPayload,
		Decision:       req.Decision,
		Reasons:        req.Reasons,
		Challenge:      challenge,
		Status:         models.StatusPending,
		ExpiresAt:      now.Add(c.pendingTTL()),
		CreatedAt:      now,
	}
	_, err = c.DB.Exec(ctx, `
		INSERT INTO confirmations
		(id, org_id, user_id, credential_id, correlation_id, request_type, request_desc, request_payload, decision, reasons, challenge, status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, conf.ID, conf.OrgID, conf.UserID, conf.CredentialID, conf.CorrelationID, conf.RequestType, conf.RequestDesc,
		conf.RequestPayload, conf.Decision, conf.Reasons, conf.Challenge, conf.Status, conf.ExpiresAt, conf.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Confirmation{}, ErrConflict
		}
		return models.Confirmation{}, err
	}
	c.audit(ctx, audit.KindConfirmationCreated, conf, nil)
	c.publish(conf)
	return conf, nil
}

// ChallengeOptions is what a browser needs to produce an assertion.
type ChallengeOptions struct {
	Challenge     string   `json:"challenge"`
	Origin        string   `json:"origin"`
	RPID          string   `json:"rp_id"`
	CredentialIDs []string `json:"credential_ids"`
}

type ChallengeResponse struct {
	Options      ChallengeOptions  `json:"options"`
	Confirmation models.PublicView `json:"confirmation"`
}

// IssueAuthChallenge rotates the record's challenge and returns it with
// the human-readable request so the operator sees what they approve.
func (c *Coordinator) IssueAuthChallenge(ctx context.Context, orgID, correlationID string) (ChallengeResponse, error) {
	conf, err := c.load(ctx, orgID, correlationID)
	if err != nil {
		return ChallengeResponse{}, err
	}
	if err := c.requirePending(ctx, &conf); err != nil {
		return ChallengeResponse{}, err
	}
	credIDs, err := c.credentialIDs(ctx, conf.UserID, conf.OrgID)
	if err != nil {
		return ChallengeResponse{}, err
	}
	if len(credIDs) == 0 {
		return ChallengeResponse{}, ErrNoCredentials
	}
	challenge, err := webauthn.GenerateChallenge()
	if err != nil {
		return ChallengeResponse{}, err
	}
	cmd, err := c.DB.Exec(ctx, `
		UPDATE confirmations SET challenge=$3 WHERE org_id=$1 AND correlation_id=$2 AND status=$4
	`, orgID, correlationID, challenge, models.StatusPending)
	if err != nil {
		return ChallengeResponse{}, err
	}
	if cmd.RowsAffected() == 0 {
		return ChallengeResponse{}, c.currentStateError(ctx, orgID, correlationID)
	}
	return ChallengeResponse{
		Options: ChallengeOptions{
			Challenge:     base64.RawURLEncoding.EncodeToString(challenge),
			Origin:        c.Origin,
			RPID:          c.RPID,
			CredentialIDs: credIDs,
		},
		Confirmation: conf.Public(),
	}, nil
}

type VerifyResult struct {
	ConfirmationToken string              `json:"confirmation_token"`
	Confirmation      models.Confirmation `json:"confirmation"`
}

// Verify resolves the asserting credential, checks the assertion against
// the stored challenge and, on success, claims pending->approved and
// mints the short-lived confirmation token. Verification failures leave
// the record untouched so the caller can retry with a fresh challenge.
func (c *Coordinator) Verify(ctx context.Context, orgID, correlationID string, assertion webauthn.Assertion) (VerifyResult, error) {
	conf, err := c.load(ctx, orgID, correlationID)
	if err != nil {
		return VerifyResult{}, err
	}
	if err := c.requirePending(ctx, &conf); err != nil {
		return VerifyResult{}, err
	}
	cred, err := c.credential(ctx, assertion.CredentialID)
	if err != nil {
		return VerifyResult{}, err
	}
	if cred.UserID != conf.UserID || cred.OrgID != conf.OrgID {
		return VerifyResult{}, ErrCredentialMismatch
	}
	newCounter, err := webauthn.Verify(cred, conf.Challenge, c.Origin, c.RPID, assertion)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	now := c.clock()
	// Persist the counter before the claim. If this write fails the record
	// stays pending and the clone-detection counter never lags an approval;
	// a bumped counter on a record that then loses the claim race only
	// tightens replay checks.
	if _, err := c.DB.Exec(ctx, `UPDATE credentials SET sign_count=$2 WHERE id=$1`, cred.ID, newCounter); err != nil {
		return VerifyResult{}, err
	}
	cmd, err := c.DB.Exec(ctx, `
		UPDATE confirmations SET status=$3, approved_at=$4, approved_credential_id=$5
		WHERE org_id=$1 AND correlation_id=$2 AND status=$6
	`, orgID, correlationID, models.StatusApproved, now, cred.ID, models.StatusPending)
	if err != nil {
		return VerifyResult{}, err
	}
	if cmd.RowsAffected() == 0 {
		// Lost the race against a concurrent cancel or expiry.
		return VerifyResult{}, c.currentStateError(ctx, orgID, correlationID)
	}
	conf.Status = models.StatusApproved
	conf.ApprovedAt = &now
	conf.ApprovedCredentialID = cred.ID

	token, err := auth.MintHS256(auth.TokenClaims{
		Sub:           conf.UserID,
		Org:           conf.OrgID,
		CredentialID:  cred.ID,
		CorrelationID: conf.CorrelationID,
		Iss:           c.TokenIssuer,
		Iat:           now.Unix(),
		Exp:           now.Add(c.tokenTTL()).Unix(),
	}, c.TokenSecret)
	if err != nil {
		return VerifyResult{}, err
	}
	c.audit(ctx, audit.KindConfirmationApproved, conf, map[string]string{"approved_credential_id": cred.ID})
	c.publish(conf)
	return VerifyResult{ConfirmationToken: token, Confirmation: conf}, nil
}

// Cancel withdraws a pending confirmation. No credential is required;
// cancellation is a caller-side withdrawal, not an approval decision.
func (c *Coordinator) Cancel(ctx context.Context, orgID, correlationID string) (models.Confirmation, error) {
	conf, err := c.load(ctx, orgID, correlationID)
	if err != nil {
		return models.Confirmation{}, err
	}
	if err := c.requirePending(ctx, &conf); err != nil {
		return models.Confirmation{}, err
	}
	cmd, err := c.DB.Exec(ctx, `
		UPDATE confirmations SET status=$3 WHERE org_id=$1 AND correlation_id=$2 AND status=$4
	`, orgID, correlationID, models.StatusCancelled, models.StatusPending)
	if err != nil {
		return models.Confirmation{}, err
	}
	if cmd.RowsAffected() == 0 {
		return models.Confirmation{}, c.currentStateError(ctx, orgID, correlationID)
	}
	conf.Status = models.StatusCancelled
	c.audit(ctx, audit.KindConfirmationCancelled, conf, nil)
	c.publish(conf)
	return conf, nil
}

// Get reports the stored record, lazily materializing expiry. The
// challenge and token never travel on the read path.
func (c *Coordinator) Get(ctx context.Context, orgID, correlationID string) (models.Confirmation, error) {
	conf, err := c.load(ctx, orgID, correlationID)
	if err != nil {
		return models.Confirmation{}, err
	}
	materialized := confirmfsm.Materialize(conf, c.clock())
	if materialized.Status == models.StatusExpired && conf.Status == models.StatusPending {
		c.flipExpired(ctx, orgID, correlationID, conf)
	}
	materialized.Challenge = nil
	return materialized, nil
}

// Sweep proactively expires stale pending rows. Optional; lazy
// materialization already guarantees correctness.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	cmd, err := c.DB.Exec(ctx, `
		UPDATE confirmations SET status=$1 WHERE status=$2 AND expires_at <= $3
	`, models.StatusExpired, models.StatusPending, c.clock())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// requirePending enforces the state machine's sole source state,
// eagerly persisting the expired flip when the window has passed.
func (c *Coordinator) requirePending(ctx context.Context, conf *models.Confirmation) error {
	if confirmfsm.IsTerminal(conf.Status) {
		if conf.Status == models.StatusExpired {
			return ErrExpired
		}
		return &StateError{Current: conf.Status}
	}
	if confirmfsm.IsExpired(c.clock(), conf.ExpiresAt) {
		c.flipExpired(ctx, conf.OrgID, conf.CorrelationID, *conf)
		conf.Status = models.StatusExpired
		return ErrExpired
	}
	return nil
}

func (c *Coordinator) flipExpired(ctx context.Context, orgID, correlationID string, conf models.Confirmation) {
	cmd, err := c.DB.Exec(ctx, `
		UPDATE confirmations SET status=$3 WHERE org_id=$1 AND correlation_id=$2 AND status=$4
	`, orgID, correlationID, models.StatusExpired, models.StatusPending)
	if err != nil || cmd.RowsAffected() == 0 {
		return
	}
	conf.Status = models.StatusExpired
	c.audit(ctx, audit.KindConfirmationExpired, conf, nil)
	c.publish(conf)
}

func (c *Coordinator) currentStateError(ctx context.Context, orgID, correlationID string) error {
	conf, err := c.load(ctx, orgID, correlationID)
	if err != nil {
		return err
	}
	conf = confirmfsm.Materialize(conf, c.clock())
	if conf.Status == models.StatusExpired {
		return ErrExpired
	}
	return &StateError{Current: conf.Status}
}

func (c *Coordinator) load(ctx context.Context, orgID, correlationID string) (models.Confirmation, error) {
	row := c.DB.QueryRow(ctx, `
		SELECT id, org_id, user_id, credential_id, correlation_id, request_type, request_desc, request_payload,
		       decision, reasons, challenge, status, expires_at, approved_at, approved_credential_id, created_at
		FROM confirmations WHERE org_id=$1 AND correlation_id=$2
	`, orgID, correlationID)
	var conf models.Confirmation
	var payload []byte
	var approvedAt *time.Time
	var approvedCred *string
	err := row.Scan(&conf.ID, &conf.OrgID, &conf.UserID, &conf.CredentialID, &conf.CorrelationID, &conf.RequestType,
		&conf.RequestDesc, &payload, &conf.Decision, &conf.Reasons, &conf.Challenge, &conf.Status, &conf.ExpiresAt,
		&approvedAt, &approvedCred, &conf.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Confirmation{}, ErrNotFound
		}
		return models.Confirmation{}, err
	}
	conf.RequestPayload = payload
	conf.ApprovedAt = approvedAt
	if approvedCred != nil {
		conf.ApprovedCredentialID = *approvedCred
	}
	return conf, nil
}

func (c *Coordinator) credential(ctx context.Context, id string) (models.Credential, error) {
	if id == "" {
		return models.Credential{}, ErrCredentialMismatch
	}
	row := c.DB.QueryRow(ctx, `
		SELECT id, user_id, org_id, public_key, sign_count, active, created_at FROM credentials WHERE id=$1
	`, id)
	var cred models.Credential
	if err := row.Scan(&cred.ID, &cred.UserID, &cred.OrgID, &cred.PublicKey, &cred.SignCount, &cred.Active, &cred.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Credential{}, ErrCredentialMismatch
		}
		return models.Credential{}, err
	}
	return cred, nil
}

func (c *Coordinator) credentialIDs(ctx context.Context, userID, orgID string) ([]string, error) {
	rows, err := c.DB.Query(ctx, `
		SELECT id FROM credentials WHERE user_id=$1 AND org_id=$2 AND active
	`, userID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (c *Coordinator) audit(ctx context.Context, kind string, conf models.Confirmation, detail map[string]string) {
	if c.Audit == nil {
		return
	}
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	_ = c.Audit.Append(ctx, audit.Record{
		ID:            uuid.NewString(),
		Kind:          kind,
		OrgID:         conf.OrgID,
		ActorID:       conf.UserID,
		CorrelationID: conf.CorrelationID,
		Detail:        raw,
		CreatedAt:     c.clock(),
	})
}

func (c *Coordinator) publish(conf models.Confirmation) {
	if c.Events == nil {
		return
	}
	view := conf.Public()
	c.Events.Publish(fanout.NewEvent("org:"+conf.OrgID+":approvals", view))
	c.Events.Publish(fanout.NewEvent("user:"+conf.UserID+":notifications", view))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
