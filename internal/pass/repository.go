package pass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for passes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional status transitions. Every mutation
// re-checks the expected prior status in the UPDATE predicate; zero affected
// rows means a concurrent transition won and the caller gets ErrInvalidState.
type TxRepository interface {
	SetSubmitted(ctx context.Context, id int64, requiredLevels int) error
	AdvanceApproval(ctx context.Context, id int64, fromLevel int) error
	InsertDecision(ctx context.Context, id int64, d Decision) error
	SetApproved(ctx context.Context, id int64, cred Credential) error
	SetAutoApproved(ctx context.Context, id int64, cred Credential) error
	SetRejected(ctx context.Context, id int64, rej Rejection) error
	SetCancelled(ctx context.Context, id int64) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Create inserts the pass with a freshly allocated number. The per-type
// per-day sequence is advanced inside the same transaction, so two concurrent
// creates cannot share a number.
func (r *Repository) Create(ctx context.Context, p Pass) (Pass, error) {
	detailsJSON, err := json.Marshal(p.Details)
	if err != nil {
		return Pass{}, err
	}
	day := p.CreatedAt
	if day.IsZero() {
		day = time.Now().UTC()
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return Pass{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int
	err = tx.QueryRow(ctx, `INSERT INTO pass_sequences (pass_type, seq_date, last)
VALUES ($1, $2, 1)
ON CONFLICT (pass_type, seq_date) DO UPDATE SET last = pass_sequences.last + 1
RETURNING last`, string(p.Type), day.Format("2006-01-02")).Scan(&seq)
	if err != nil {
		return Pass{}, err
	}
	p.Number = FormatNumber(p.Type, day.Format("20060102"), seq)

	var hostID any
	if p.HostID != 0 {
		hostID = p.HostID
	}
	err = tx.QueryRow(ctx, `INSERT INTO passes
	(number, pass_type, tenant_id, site_id, requester_id, host_id, status, purpose, remarks,
	 valid_from, valid_to, approval_level, required_levels, details, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, NOW(), NOW())
RETURNING id, created_at, updated_at`,
		p.Number, string(p.Type), p.TenantID, p.SiteID, p.Requester, hostID,
		string(StatusPending), p.Purpose, p.Remarks, p.ValidFrom, p.ValidTo,
		p.RequiredLevels, detailsJSON).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Pass{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Pass{}, err
	}
	p.Status = StatusPending
	p.ApprovalLevel = 0
	return p, nil
}

const passColumns = `id, number, pass_type, tenant_id, site_id, requester_id, COALESCE(host_id, 0),
	status, purpose, remarks, valid_from, valid_to, approval_level, required_levels,
	rejected_by, rejected_by_name, rejected_remarks, rejected_at,
	credential_token, credential_image, credential_issued_at, details, created_at, updated_at`

func scanPass(row pgx.Row) (Pass, error) {
	var p Pass
	var rejectedBy *int64
	var rejectedName, rejectedRemarks *string
	var rejectedAt *time.Time
	var token *string
	var image []byte
	var issuedAt *time.Time
	var details []byte
	if err := row.Scan(&p.ID, &p.Number, &p.Type, &p.TenantID, &p.SiteID, &p.Requester, &p.HostID,
		&p.Status, &p.Purpose, &p.Remarks, &p.ValidFrom, &p.ValidTo, &p.ApprovalLevel, &p.RequiredLevels,
		&rejectedBy, &rejectedName, &rejectedRemarks, &rejectedAt,
		&token, &image, &issuedAt, &details, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Pass{}, err
	}
	if rejectedBy != nil {
		p.Rejection = &Rejection{ApproverID: *rejectedBy}
		if rejectedName != nil {
			p.Rejection.ApproverName = *rejectedName
		}
		if rejectedRemarks != nil {
			p.Rejection.Remarks = *rejectedRemarks
		}
		if rejectedAt != nil {
			p.Rejection.RejectedAt = *rejectedAt
		}
	}
	if token != nil {
		p.Credential = &Credential{Token: *token, Image: image}
		if issuedAt != nil {
			p.Credential.IssuedAt = *issuedAt
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &p.Details); err != nil {
			return Pass{}, err
		}
	}
	return p, nil
}

// Get returns a pass with its decision history.
func (r *Repository) Get(ctx context.Context, id int64) (Pass, error) {
	p, err := scanPass(r.pool.QueryRow(ctx, `SELECT `+passColumns+` FROM passes WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pass{}, ErrNotFound
		}
		return Pass{}, err
	}
	p.Decisions, err = r.decisions(ctx, id)
	if err != nil {
		return Pass{}, err
	}
	return p, nil
}

// GetByNumber returns a pass by its human-legible number.
func (r *Repository) GetByNumber(ctx context.Context, number string) (Pass, error) {
	p, err := scanPass(r.pool.QueryRow(ctx, `SELECT `+passColumns+` FROM passes WHERE number=$1`, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pass{}, ErrNotFound
		}
		return Pass{}, err
	}
	p.Decisions, err = r.decisions(ctx, p.ID)
	if err != nil {
		return Pass{}, err
	}
	return p, nil
}

func (r *Repository) decisions(ctx context.Context, passID int64) ([]Decision, error) {
	rows, err := r.pool.Query(ctx, `SELECT approver_id, approver_name, level, remarks, decided_at
FROM pass_decisions WHERE pass_id=$1 ORDER BY level ASC`, passID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var decisions []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ApproverID, &d.ApproverName, &d.Level, &d.Remarks, &d.DecidedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// ListFilters narrows List results.
type ListFilters struct {
	TenantID    int64
	RequesterID int64
	Status      Status
}

// List returns passes matching the filters, newest first.
func (r *Repository) List(ctx context.Context, f ListFilters, limit, offset int) ([]Pass, error) {
	query := `SELECT ` + passColumns + ` FROM passes WHERE 1=1`
	args := []any{}
	argNum := 1
	if f.TenantID != 0 {
		query += fmt.Sprintf(" AND tenant_id = $%d", argNum)
		args = append(args, f.TenantID)
		argNum++
	}
	if f.RequesterID != 0 {
		query += fmt.Sprintf(" AND requester_id = $%d", argNum)
		args = append(args, f.RequesterID)
		argNum++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(f.Status))
		argNum++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var passes []Pass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		passes = append(passes, p)
	}
	return passes, rows.Err()
}

// ExpiredPass identifies one pass retired by a sweep.
type ExpiredPass struct {
	ID       int64
	Number   string
	TenantID int64
}

// ExpireLapsed transitions every Approved/Active pass whose window lapsed
// before now to Expired, in a single statement. Re-running with the same
// cutoff is a no-op because the predicate excludes already-expired rows.
func (r *Repository) ExpireLapsed(ctx context.Context, now time.Time) ([]ExpiredPass, error) {
	rows, err := r.pool.Query(ctx, `UPDATE passes SET status=$1, updated_at=NOW()
WHERE status = ANY($2) AND valid_to < $3
RETURNING id, number, tenant_id`,
		string(StatusExpired), []string{string(StatusApproved), string(StatusActive)}, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var expired []ExpiredPass
	for rows.Next() {
		var e ExpiredPass
		if err := rows.Scan(&e.ID, &e.Number, &e.TenantID); err != nil {
			return nil, err
		}
		expired = append(expired, e)
	}
	return expired, rows.Err()
}

// SetSubmitted snapshots the tenant's required approval levels onto a pending
// pass.
func (t *txRepo) SetSubmitted(ctx context.Context, id int64, requiredLevels int) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE passes SET required_levels=$2, updated_at=NOW()
WHERE id=$1 AND status=$3`, id, requiredLevels, string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// AdvanceApproval increments the approval level iff the pass is still Pending
// at the expected level. The losing side of a concurrent decision observes
// zero affected rows.
func (t *txRepo) AdvanceApproval(ctx context.Context, id int64, fromLevel int) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE passes SET approval_level = approval_level + 1, updated_at=NOW()
WHERE id=$1 AND status=$2 AND approval_level=$3 AND approval_level < required_levels`,
		id, string(StatusPending), fromLevel)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (t *txRepo) InsertDecision(ctx context.Context, id int64, d Decision) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO pass_decisions (pass_id, approver_id, approver_name, level, remarks, decided_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, id, d.ApproverID, d.ApproverName, d.Level, d.Remarks, d.DecidedAt)
	return err
}

// SetApproved flips a pending pass to Approved and stores the issued
// credential. Requires the approval level to have reached the threshold.
func (t *txRepo) SetApproved(ctx context.Context, id int64, cred Credential) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE passes SET status=$2, credential_token=$3, credential_image=$4,
	credential_issued_at=$5, updated_at=NOW()
WHERE id=$1 AND status=$6 AND approval_level >= required_levels`,
		id, string(StatusApproved), cred.Token, cred.Image, cred.IssuedAt, string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// SetAutoApproved jumps a pending pass straight to the required approval level
// with the implicit system approver, storing the issued credential.
func (t *txRepo) SetAutoApproved(ctx context.Context, id int64, cred Credential) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE passes SET status=$2, approval_level=required_levels,
	credential_token=$3, credential_image=$4, credential_issued_at=$5, updated_at=NOW()
WHERE id=$1 AND status=$6`,
		id, string(StatusApproved), cred.Token, cred.Image, cred.IssuedAt, string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (t *txRepo) SetRejected(ctx context.Context, id int64, rej Rejection) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE passes SET status=$2, rejected_by=$3, rejected_by_name=$4,
	rejected_remarks=$5, rejected_at=COALESCE($6, NOW()), updated_at=NOW()
WHERE id=$1 AND status=$7`,
		id, string(StatusRejected), rej.ApproverID, rej.ApproverName, rej.Remarks, rej.RejectedAt, string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (t *txRepo) SetCancelled(ctx context.Context, id int64) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE passes SET status=$2, updated_at=NOW()
WHERE id=$1 AND status=$3`, id, string(StatusCancelled), string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}
