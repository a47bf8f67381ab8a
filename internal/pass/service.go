package pass

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/passage-gms/passage/internal/shared"
	"github.com/passage-gms/passage/internal/tenant"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Create(ctx context.Context, p Pass) (Pass, error)
	Get(ctx context.Context, id int64) (Pass, error)
	GetByNumber(ctx context.Context, number string) (Pass, error)
	List(ctx context.Context, f ListFilters, limit, offset int) ([]Pass, error)
}

// PolicyPort supplies tenant policy and people lookups.
type PolicyPort interface {
	PolicyFor(ctx context.Context, tenantID int64) (tenant.Policy, error)
	Approvers(ctx context.Context, tenantID int64) ([]tenant.Approver, error)
	Requester(ctx context.Context, tenantID, userID int64) (tenant.Requester, error)
}

// IssuerPort produces a signed credential for an approved pass.
type IssuerPort interface {
	Issue(p Pass) (Credential, error)
}

// NotifierPort dispatches best-effort notifications. Errors are logged by the
// implementation and never inspected here.
type NotifierPort interface {
	ApprovalRequested(ctx context.Context, approver tenant.Approver, p Pass)
	StatusChanged(ctx context.Context, requester tenant.Requester, p Pass, status Status, remarks string)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
	Timeline(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error)
}

// DecisionKind is the verdict submitted by an approver.
type DecisionKind string

const (
	DecisionApproved DecisionKind = "Approved"
	DecisionRejected DecisionKind = "Rejected"
)

// Service is the approval engine: it owns a pass from submission until a
// terminal state or until the gate ledger takes over.
type Service struct {
	repo     RepositoryPort
	tenants  PolicyPort
	issuer   IssuerPort
	notifier NotifierPort
	audit    AuditPort
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the approval engine. The clock is injected for
// deterministic tests; pass nil for time.Now.
func NewService(repo RepositoryPort, tenants PolicyPort, issuer IssuerPort, notifier NotifierPort, audit AuditPort, logger *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, tenants: tenants, issuer: issuer, notifier: notifier, audit: audit, logger: logger, now: now}
}

// CreateInput describes a new pass request.
type CreateInput struct {
	Type      Type
	TenantID  int64
	SiteID    string
	Requester int64
	HostID    int64
	Purpose   string
	Remarks   string
	ValidFrom time.Time
	ValidTo   time.Time
	Details   Details
}

func (in CreateInput) validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown pass type %q", ErrValidation, in.Type)
	}
	if in.TenantID == 0 || in.SiteID == "" || in.Requester == 0 {
		return fmt.Errorf("%w: tenant, site and requester are required", ErrValidation)
	}
	if in.Purpose == "" {
		return fmt.Errorf("%w: purpose is required", ErrValidation)
	}
	if in.Remarks == "" {
		return fmt.Errorf("%w: remarks are required", ErrValidation)
	}
	if !in.ValidTo.After(in.ValidFrom) {
		return fmt.Errorf("%w: validTo must be after validFrom", ErrValidation)
	}
	switch in.Type {
	case TypeEmployee:
		if in.Details.Employee == nil || in.Details.Employee.EmployeeID == "" {
			return fmt.Errorf("%w: employee details required", ErrValidation)
		}
	case TypeVisitor:
		if in.Details.Visitor == nil || len(in.Details.Visitor.Persons) == 0 {
			return fmt.Errorf("%w: at least one visitor required", ErrValidation)
		}
	case TypeVehicle:
		if in.Details.Vehicle == nil || in.Details.Vehicle.VehicleNumber == "" {
			return fmt.Errorf("%w: vehicle details required", ErrValidation)
		}
	case TypeMaterial:
		if in.Details.Material == nil || len(in.Details.Material.Items) == 0 {
			return fmt.Errorf("%w: at least one material item required", ErrValidation)
		}
	}
	return nil
}

// Create validates and persists a new pending pass with a freshly allocated
// number. The pass is not yet in the approval workflow until Submit.
func (s *Service) Create(ctx context.Context, input CreateInput) (Pass, error) {
	if err := input.validate(); err != nil {
		return Pass{}, err
	}
	p := Pass{
		Type:           input.Type,
		TenantID:       input.TenantID,
		SiteID:         input.SiteID,
		Requester:      input.Requester,
		HostID:         input.HostID,
		Status:         StatusPending,
		Purpose:        input.Purpose,
		Remarks:        input.Remarks,
		ValidFrom:      input.ValidFrom,
		ValidTo:        input.ValidTo,
		RequiredLevels: 1,
		Details:        input.Details,
		CreatedAt:      s.now().UTC(),
	}
	created, err := s.repo.Create(ctx, p)
	if err != nil {
		return Pass{}, err
	}
	s.recordAudit(ctx, created.Requester, shared.AuditCreated, created, map[string]any{
		"status": string(StatusPending),
		"type":   string(created.Type),
	})
	return created, nil
}

// Submit enters a pending pass into the approval workflow. The tenant's
// required approval levels are snapshotted onto the pass; if the type
// qualifies for auto-approval the Approved transition executes immediately
// with the implicit system approver and approvers are not notified.
func (s *Service) Submit(ctx context.Context, passID int64) (Pass, error) {
	p, err := s.repo.Get(ctx, passID)
	if err != nil {
		return Pass{}, err
	}
	if p.Status != StatusPending {
		return Pass{}, ErrInvalidState
	}
	policy, err := s.tenants.PolicyFor(ctx, p.TenantID)
	if err != nil {
		return Pass{}, err
	}

	if p.Type == TypeEmployee && policy.AutoApproveEmployee {
		return s.autoApprove(ctx, p, policy)
	}

	approvers, err := s.tenants.Approvers(ctx, p.TenantID)
	if err != nil {
		return Pass{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetSubmitted(ctx, p.ID, policy.ApprovalLevels)
	})
	if err != nil {
		return Pass{}, err
	}
	p.RequiredLevels = policy.ApprovalLevels

	s.notifyApprovers(ctx, approvers, p)
	return p, nil
}

func (s *Service) autoApprove(ctx context.Context, p Pass, policy tenant.Policy) (Pass, error) {
	cred, err := s.issuer.Issue(p)
	if err != nil {
		return Pass{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetSubmitted(ctx, p.ID, policy.ApprovalLevels); err != nil {
			return err
		}
		if err := tx.InsertDecision(ctx, p.ID, Decision{
			ApproverName: "system",
			Level:        policy.ApprovalLevels,
			Remarks:      "Auto-approved by system",
			DecidedAt:    s.now(),
		}); err != nil {
			return err
		}
		return tx.SetAutoApproved(ctx, p.ID, cred)
	})
	if err != nil {
		return Pass{}, err
	}
	p.Status = StatusApproved
	p.RequiredLevels = policy.ApprovalLevels
	p.ApprovalLevel = policy.ApprovalLevels
	p.Credential = &cred

	s.recordAudit(ctx, p.Requester, shared.AuditApproved, p, map[string]any{
		"status":       string(StatusApproved),
		"autoApproved": true,
	})
	s.notifyRequester(ctx, p, StatusApproved, "Auto-approved by system")
	return p, nil
}

// Decide records one approval or rejection on a pending pass. The expected
// prior status and approval level are re-checked inside the transaction, so
// of two concurrent decisions exactly one succeeds; the loser observes
// ErrInvalidState, identical to a legitimately already-decided pass.
func (s *Service) Decide(ctx context.Context, passID int64, actor shared.Actor, decision DecisionKind, remarks string) (Pass, error) {
	p, err := s.repo.Get(ctx, passID)
	if err != nil {
		return Pass{}, err
	}
	if p.Status != StatusPending {
		return Pass{}, ErrInvalidState
	}

	switch decision {
	case DecisionApproved:
		return s.approve(ctx, p, actor, remarks)
	case DecisionRejected:
		return s.reject(ctx, p, actor, remarks)
	default:
		return Pass{}, fmt.Errorf("%w: unknown decision %q", ErrValidation, decision)
	}
}

func (s *Service) approve(ctx context.Context, p Pass, actor shared.Actor, remarks string) (Pass, error) {
	level := p.ApprovalLevel + 1
	final := level >= p.RequiredLevels

	var cred Credential
	if final {
		issued, err := s.issuer.Issue(p)
		if err != nil {
			return Pass{}, err
		}
		cred = issued
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.AdvanceApproval(ctx, p.ID, p.ApprovalLevel); err != nil {
			return err
		}
		if err := tx.InsertDecision(ctx, p.ID, Decision{
			ApproverID:   actor.ID,
			ApproverName: actor.Name,
			Level:        level,
			Remarks:      remarks,
			DecidedAt:    s.now(),
		}); err != nil {
			return err
		}
		if final {
			return tx.SetApproved(ctx, p.ID, cred)
		}
		return nil
	})
	if err != nil {
		return Pass{}, err
	}

	p.ApprovalLevel = level
	if final {
		p.Status = StatusApproved
		p.Credential = &cred
		s.recordAudit(ctx, actor.ID, shared.AuditApproved, p, map[string]any{
			"status": string(StatusApproved),
			"level":  level,
		})
		s.notifyRequester(ctx, p, StatusApproved, remarks)
		return p, nil
	}

	s.recordAudit(ctx, actor.ID, shared.AuditApproved, p, map[string]any{
		"level":        level,
		"pendingLevel": level + 1,
	})
	if approvers, err := s.tenants.Approvers(ctx, p.TenantID); err == nil {
		s.notifyApprovers(ctx, approvers, p)
	} else if s.logger != nil {
		s.logger.Warn("lookup next approvers", slog.Int64("pass_id", p.ID), slog.Any("error", err))
	}
	return p, nil
}

func (s *Service) reject(ctx context.Context, p Pass, actor shared.Actor, remarks string) (Pass, error) {
	rej := Rejection{
		ApproverID:   actor.ID,
		ApproverName: actor.Name,
		Remarks:      remarks,
		RejectedAt:   s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetRejected(ctx, p.ID, rej)
	})
	if err != nil {
		return Pass{}, err
	}
	p.Status = StatusRejected
	p.Rejection = &rej

	s.recordAudit(ctx, actor.ID, shared.AuditRejected, p, map[string]any{
		"status":  string(StatusRejected),
		"remarks": remarks,
	})
	s.notifyRequester(ctx, p, StatusRejected, remarks)
	return p, nil
}

// Cancel withdraws a pending pass. Allowed only for the requester or an
// administrator.
func (s *Service) Cancel(ctx context.Context, passID int64, actor shared.Actor) (Pass, error) {
	p, err := s.repo.Get(ctx, passID)
	if err != nil {
		return Pass{}, err
	}
	if actor.ID != p.Requester && !actor.Has(shared.CapabilityAdmin) {
		return Pass{}, ErrForbidden
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetCancelled(ctx, p.ID)
	})
	if err != nil {
		return Pass{}, err
	}
	p.Status = StatusCancelled

	s.recordAudit(ctx, actor.ID, shared.AuditCancelled, p, map[string]any{
		"status": string(StatusCancelled),
	})
	return p, nil
}

// Get returns a pass with decision history.
func (s *Service) Get(ctx context.Context, passID int64) (Pass, error) {
	return s.repo.Get(ctx, passID)
}

// List returns passes matching the filters.
func (s *Service) List(ctx context.Context, f ListFilters, limit, offset int) ([]Pass, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Timeline returns the audit history of a pass, oldest first.
func (s *Service) Timeline(ctx context.Context, passID int64) ([]shared.AuditLog, error) {
	if _, err := s.repo.Get(ctx, passID); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.Timeline(ctx, "Pass", strconv.FormatInt(passID, 10))
}

// CredentialImage returns the rendered QR artifact of an approved pass.
func (s *Service) CredentialImage(ctx context.Context, passID int64) ([]byte, error) {
	p, err := s.repo.Get(ctx, passID)
	if err != nil {
		return nil, err
	}
	if p.Credential == nil || len(p.Credential.Image) == 0 {
		return nil, ErrNotFound
	}
	return p.Credential.Image, nil
}

// notifyApprovers fans the approval request out to every approver in the
// round. Dispatch is best-effort and never fails the caller.
func (s *Service) notifyApprovers(ctx context.Context, approvers []tenant.Approver, p Pass) {
	if s.notifier == nil {
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, approver := range approvers {
		g.Go(func() error {
			s.notifier.ApprovalRequested(ctx, approver, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) notifyRequester(ctx context.Context, p Pass, status Status, remarks string) {
	if s.notifier == nil {
		return
	}
	requester, err := s.tenants.Requester(ctx, p.TenantID, p.Requester)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("lookup requester", slog.Int64("pass_id", p.ID), slog.Any("error", err))
		}
		return
	}
	s.notifier.StatusChanged(ctx, requester, p, status, remarks)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, p Pass, changes map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "Pass",
		EntityID: strconv.FormatInt(p.ID, 10),
		Changes:  changes,
		At:       s.now(),
	})
	if err != nil && s.logger != nil {
		s.logger.Error("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
