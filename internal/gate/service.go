package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/passage-gms/passage/internal/credential"
	"github.com/passage-gms/passage/internal/pass"
	"github.com/passage-gms/passage/internal/shared"
)

// RepositoryPort describes ledger persistence used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	LatestEvent(ctx context.Context, passID int64) (Event, error)
	History(ctx context.Context, passID int64) ([]Event, error)
	ListOpen(ctx context.Context, gateID string) ([]Event, error)
	InsertDenied(ctx context.Context, ev Event) (Event, error)
}

// PassPort reads the authoritative pass record.
type PassPort interface {
	Get(ctx context.Context, id int64) (pass.Pass, error)
	GetByNumber(ctx context.Context, number string) (pass.Pass, error)
}

// VerifierPort checks a presented token's signature and embedded facts.
type VerifierPort interface {
	Verify(token string) (credential.Payload, error)
}

// NotifierPort dispatches the best-effort arrival alert.
type NotifierPort interface {
	Arrival(ctx context.Context, p pass.Pass, visitor pass.Person)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service authorizes physical passage and maintains the occupancy ledger.
type Service struct {
	events   RepositoryPort
	passes   PassPort
	verifier VerifierPort
	notifier NotifierPort
	audit    AuditPort
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the gate ledger service. The clock is injected for
// deterministic tests; pass nil for time.Now.
func NewService(events RepositoryPort, passes PassPort, verifier VerifierPort, notifier NotifierPort, audit AuditPort, logger *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{events: events, passes: passes, verifier: verifier, notifier: notifier, audit: audit, logger: logger, now: now}
}

// ScanResult is the outcome of a successful token scan.
type ScanResult struct {
	Pass        pass.Pass
	Payload     credential.Payload
	CanCheckIn  bool
	CanCheckOut bool
}

// Scan verifies the token, then re-reads the authoritative pass record so a
// pass rejected or cancelled after issuance is not admitted on a validly
// signed stale token. The offered action follows the most recent ledger
// event: an open check-in offers only check-out.
func (s *Service) Scan(ctx context.Context, token, gateID string) (ScanResult, error) {
	payload, err := s.verifier.Verify(token)
	if err != nil {
		return ScanResult{}, err
	}
	p, err := s.passes.GetByNumber(ctx, payload.PassID)
	if err != nil {
		if errors.Is(err, pass.ErrNotFound) {
			return ScanResult{}, ErrNotFound
		}
		return ScanResult{}, err
	}

	result := ScanResult{Pass: p, Payload: payload}
	latest, err := s.events.LatestEvent(ctx, p.ID)
	switch {
	case err == nil && latest.Open():
		result.CanCheckOut = true
	case err == nil || errors.Is(err, ErrNotFound):
		result.CanCheckIn = p.Status.Enterable()
	default:
		return ScanResult{}, err
	}
	return result, nil
}

// CheckInInput describes a gate check-in attempt.
type CheckInInput struct {
	PassID   int64
	GateID   string
	GateName string
	Operator shared.Actor
}

// CheckIn admits the pass holder: live status and window checks, then the
// check-in event insert and the Active flip in one transaction. The open-event
// precondition is enforced by the store's unique constraint, not by a
// read-then-write sequence.
func (s *Service) CheckIn(ctx context.Context, input CheckInInput) (Event, error) {
	p, err := s.passes.Get(ctx, input.PassID)
	if err != nil {
		if errors.Is(err, pass.ErrNotFound) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	if !p.Status.Enterable() {
		return Event{}, fmt.Errorf("%w: status %s", ErrInvalidState, p.Status)
	}
	now := s.now()
	if now.Before(p.ValidFrom) {
		return Event{}, fmt.Errorf("%w: pass starts at %s", ErrOutsideWindow, p.ValidFrom.Format(time.RFC3339))
	}
	if now.After(p.ValidTo) {
		return Event{}, fmt.Errorf("%w: pass expired at %s", ErrOutsideWindow, p.ValidTo.Format(time.RFC3339))
	}

	var created Event
	err = s.events.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.MarkPassActive(ctx, p.ID); err != nil {
			return err
		}
		ev, err := tx.InsertCheckIn(ctx, Event{
			PassID:     p.ID,
			GateID:     input.GateID,
			GateName:   input.GateName,
			OperatorID: input.Operator.ID,
			Type:       EventCheckIn,
			CheckInAt:  &now,
		})
		if err != nil {
			return err
		}
		created = ev
		return nil
	})
	if err != nil {
		return Event{}, err
	}

	s.recordAudit(ctx, input.Operator.ID, shared.AuditCheckedIn, p.ID, map[string]any{
		"gateId":   input.GateID,
		"gateName": input.GateName,
	})
	s.notifyArrival(ctx, p)
	return created, nil
}

// CheckOutResult pairs the closed check-in record with the distinct checkout
// event kept for audit symmetry.
type CheckOutResult struct {
	ClosedCheckIn Event
	CheckOut      Event
}

// CheckOut closes the open session: stamps the check-in's checkout timestamp,
// appends a CheckOut event and flips the pass to CheckedOut.
func (s *Service) CheckOut(ctx context.Context, input CheckInInput) (CheckOutResult, error) {
	now := s.now()
	var result CheckOutResult
	err := s.events.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		closed, err := tx.CloseCheckIn(ctx, input.PassID, now)
		if err != nil {
			return err
		}
		out, err := tx.InsertCheckOut(ctx, Event{
			PassID:     input.PassID,
			GateID:     input.GateID,
			GateName:   input.GateName,
			OperatorID: input.Operator.ID,
			Type:       EventCheckOut,
			CheckOutAt: &now,
		})
		if err != nil {
			return err
		}
		flipped, err := tx.MarkPassCheckedOut(ctx, input.PassID)
		if err != nil {
			return err
		}
		if !flipped && s.logger != nil {
			s.logger.Warn("checkout on non-active pass", slog.Int64("pass_id", input.PassID))
		}
		result = CheckOutResult{ClosedCheckIn: closed, CheckOut: out}
		return nil
	})
	if err != nil {
		return CheckOutResult{}, err
	}

	s.recordAudit(ctx, input.Operator.ID, shared.AuditCheckedOut, input.PassID, map[string]any{
		"gateId":   input.GateID,
		"gateName": input.GateName,
	})
	return result, nil
}

// DenyInput describes a denial at a gate.
type DenyInput struct {
	PassID   int64
	GateID   string
	GateName string
	Operator shared.Actor
	Reason   string
}

// Deny records a denial. Always permitted regardless of pass status; the pass
// itself is untouched.
func (s *Service) Deny(ctx context.Context, input DenyInput) (Event, error) {
	p, err := s.passes.Get(ctx, input.PassID)
	if err != nil {
		if errors.Is(err, pass.ErrNotFound) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	ev, err := s.events.InsertDenied(ctx, Event{
		PassID:     p.ID,
		GateID:     input.GateID,
		GateName:   input.GateName,
		OperatorID: input.Operator.ID,
		Type:       EventDenied,
		DenyReason: input.Reason,
	})
	if err != nil {
		return Event{}, err
	}

	s.recordAudit(ctx, input.Operator.ID, shared.AuditDenied, p.ID, map[string]any{
		"gateId":     input.GateID,
		"gateName":   input.GateName,
		"denyReason": input.Reason,
	})
	return ev, nil
}

// ActiveSessions lists open check-in events, optionally for one gate.
func (s *Service) ActiveSessions(ctx context.Context, gateID string) ([]Event, error) {
	return s.events.ListOpen(ctx, gateID)
}

// History returns the full ledger for a pass.
func (s *Service) History(ctx context.Context, passID int64) ([]Event, error) {
	return s.events.History(ctx, passID)
}

func (s *Service) notifyArrival(ctx context.Context, p pass.Pass) {
	if s.notifier == nil || p.Type != pass.TypeVisitor || p.HostID == 0 {
		return
	}
	if p.Details.Visitor == nil || len(p.Details.Visitor.Persons) == 0 {
		return
	}
	s.notifier.Arrival(ctx, p, p.Details.Visitor.Persons[0])
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, passID int64, changes map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "Pass",
		EntityID: strconv.FormatInt(passID, 10),
		Changes:  changes,
		At:       s.now(),
	})
	if err != nil && s.logger != nil {
		s.logger.Error("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
