package gate

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/passage-gms/passage/internal/pass"
)

// Repository provides PostgreSQL backed persistence for the gate ledger.
// The at-most-one-active-session invariant is enforced by a partial unique
// index on gate_events (pass_id) WHERE event_type='CheckIn' AND
// check_out_at IS NULL; a conflicting insert surfaces as ErrAlreadyCheckedIn.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional ledger operations. Check-in and
// check-out each combine their event write with the pass status flip in one
// transaction.
type TxRepository interface {
	InsertCheckIn(ctx context.Context, ev Event) (Event, error)
	MarkPassActive(ctx context.Context, passID int64) error
	CloseCheckIn(ctx context.Context, passID int64, at time.Time) (Event, error)
	InsertCheckOut(ctx context.Context, ev Event) (Event, error)
	MarkPassCheckedOut(ctx context.Context, passID int64) (bool, error)
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

const eventColumns = `id, pass_id, gate_id, gate_name, operator_id, event_type, check_in_at, check_out_at, COALESCE(deny_reason, ''), created_at`

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	if err := row.Scan(&ev.ID, &ev.PassID, &ev.GateID, &ev.GateName, &ev.OperatorID, &ev.Type,
		&ev.CheckInAt, &ev.CheckOutAt, &ev.DenyReason, &ev.CreatedAt); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// LatestEvent returns the most recent event for the pass.
func (r *Repository) LatestEvent(ctx context.Context, passID int64) (Event, error) {
	ev, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM gate_events
WHERE pass_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, passID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	return ev, nil
}

// History returns all events for a pass, oldest first.
func (r *Repository) History(ctx context.Context, passID int64) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM gate_events
WHERE pass_id=$1 ORDER BY created_at ASC, id ASC`, passID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListOpen returns open check-in sessions, optionally narrowed to one gate.
func (r *Repository) ListOpen(ctx context.Context, gateID string) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM gate_events
WHERE event_type='CheckIn' AND check_out_at IS NULL`
	args := []any{}
	if gateID != "" {
		query += ` AND gate_id=$1`
		args = append(args, gateID)
	}
	query += ` ORDER BY check_in_at DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertDenied appends a Denied event outside any transaction; denials never
// mutate pass state.
func (r *Repository) InsertDenied(ctx context.Context, ev Event) (Event, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO gate_events (pass_id, gate_id, gate_name, operator_id, event_type, deny_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
RETURNING `+eventColumns, ev.PassID, ev.GateID, ev.GateName, ev.OperatorID, string(EventDenied), ev.DenyReason)
	return scanEvent(row)
}

// InsertCheckIn appends a CheckIn event. The partial unique index makes the
// "no open session exists" precondition atomic with the insert.
func (t *txRepo) InsertCheckIn(ctx context.Context, ev Event) (Event, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO gate_events (pass_id, gate_id, gate_name, operator_id, event_type, check_in_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
RETURNING `+eventColumns, ev.PassID, ev.GateID, ev.GateName, ev.OperatorID, string(EventCheckIn), ev.CheckInAt)
	created, err := scanEvent(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Event{}, ErrAlreadyCheckedIn
		}
		return Event{}, err
	}
	return created, nil
}

// MarkPassActive flips an enterable pass to Active. Zero affected rows means
// the pass left the enterable set concurrently (an expiry sweep winning the
// race), reported as ErrInvalidState.
func (t *txRepo) MarkPassActive(ctx context.Context, passID int64) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE passes SET status=$2, updated_at=NOW()
WHERE id=$1 AND status = ANY($3)`, passID, string(pass.StatusActive),
		[]string{string(pass.StatusApproved), string(pass.StatusActive), string(pass.StatusCheckedOut)})
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// CloseCheckIn stamps the checkout timestamp on the open check-in event,
// exactly once.
func (t *txRepo) CloseCheckIn(ctx context.Context, passID int64, at time.Time) (Event, error) {
	row := t.tx.QueryRow(ctx, `UPDATE gate_events SET check_out_at=$2
WHERE pass_id=$1 AND event_type='CheckIn' AND check_out_at IS NULL
RETURNING `+eventColumns, passID, at)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNoActiveCheckIn
		}
		return Event{}, err
	}
	return ev, nil
}

// InsertCheckOut appends the distinct CheckOut event kept alongside the
// closed check-in record for audit symmetry.
func (t *txRepo) InsertCheckOut(ctx context.Context, ev Event) (Event, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO gate_events (pass_id, gate_id, gate_name, operator_id, event_type, check_out_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
RETURNING `+eventColumns, ev.PassID, ev.GateID, ev.GateName, ev.OperatorID, string(EventCheckOut), ev.CheckOutAt)
	return scanEvent(row)
}

// MarkPassCheckedOut flips an Active pass to CheckedOut. A pass expired
// mid-session keeps its Expired status; the caller only logs that case.
func (t *txRepo) MarkPassCheckedOut(ctx context.Context, passID int64) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `UPDATE passes SET status=$2, updated_at=NOW()
WHERE id=$1 AND status=$3`, passID, string(pass.StatusCheckedOut), string(pass.StatusActive))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}
