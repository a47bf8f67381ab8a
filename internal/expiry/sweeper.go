// Package expiry retires passes whose validity window has lapsed, on a fixed
// schedule, regardless of gate activity.
package expiry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/passage-gms/passage/internal/pass"
	"github.com/passage-gms/passage/internal/shared"
)

// PassPort selects and transitions lapsed passes.
type PassPort interface {
	ExpireLapsed(ctx context.Context, now time.Time) ([]pass.ExpiredPass, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Sweeper transitions Approved/Active passes past their window to Expired.
// Sweeping is idempotent: an already-swept pass no longer matches the
// selection predicate.
type Sweeper struct {
	passes PassPort
	audit  AuditPort
	logger *slog.Logger
}

// NewSweeper constructs the sweeper.
func NewSweeper(passes PassPort, audit AuditPort, logger *slog.Logger) *Sweeper {
	return &Sweeper{passes: passes, audit: audit, logger: logger}
}

// Sweep expires every eligible pass as of now and returns how many were
// retired. Audit records carry no actor; the transition is system-initiated.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.passes.ExpireLapsed(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		if s.logger != nil {
			s.logger.Info("pass expired", slog.String("number", e.Number))
		}
		if s.audit == nil {
			continue
		}
		err := s.audit.Record(ctx, shared.AuditLog{
			Action:   shared.AuditExpired,
			Entity:   "Pass",
			EntityID: strconv.FormatInt(e.ID, 10),
			Changes:  map[string]any{"status": string(pass.StatusExpired), "autoExpired": true},
			At:       now,
		})
		if err != nil && s.logger != nil {
			s.logger.Error("record audit", slog.Int64("pass_id", e.ID), slog.Any("error", err))
		}
	}
	return len(expired), nil
}
