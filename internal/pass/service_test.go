package pass

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/passage-gms/passage/internal/shared"
	"github.com/passage-gms/passage/internal/tenant"
)

type memoryPassRepo struct {
	mu        sync.Mutex
	passes    map[int64]Pass
	decisions map[int64][]Decision
	nextID    int64
}

type memoryPassTx struct {
	repo *memoryPassRepo
}

func newMemoryPassRepo() *memoryPassRepo {
	return &memoryPassRepo{
		passes:    make(map[int64]Pass),
		decisions: make(map[int64][]Decision),
	}
}

func (r *memoryPassRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryPassTx{repo: r})
}

func (r *memoryPassRepo) Create(ctx context.Context, p Pass) (Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = r.nextID
	p.Number = FormatNumber(p.Type, p.CreatedAt.Format("20060102"), int(r.nextID))
	p.Status = StatusPending
	r.passes[p.ID] = p
	return p, nil
}

func (r *memoryPassRepo) Get(ctx context.Context, id int64) (Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.passes[id]
	if !ok {
		return Pass{}, ErrNotFound
	}
	p.Decisions = append([]Decision(nil), r.decisions[id]...)
	return p, nil
}

func (r *memoryPassRepo) GetByNumber(ctx context.Context, number string) (Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.passes {
		if p.Number == number {
			return p, nil
		}
	}
	return Pass{}, ErrNotFound
}

func (r *memoryPassRepo) List(ctx context.Context, f ListFilters, limit, offset int) ([]Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Pass
	for _, p := range r.passes {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.RequesterID != 0 && p.Requester != f.RequesterID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (tx *memoryPassTx) SetSubmitted(ctx context.Context, id int64, requiredLevels int) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	p, ok := tx.repo.passes[id]
	if !ok || p.Status != StatusPending {
		return ErrInvalidState
	}
	p.RequiredLevels = requiredLevels
	tx.repo.passes[id] = p
	return nil
}

func (tx *memoryPassTx) AdvanceApproval(ctx context.Context, id int64, fromLevel int) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	p, ok := tx.repo.passes[id]
	if !ok || p.Status != StatusPending || p.ApprovalLevel != fromLevel || p.ApprovalLevel >= p.RequiredLevels {
		return ErrInvalidState
	}
	p.ApprovalLevel++
	tx.repo.passes[id] = p
	return nil
}

func (tx *memoryPassTx) InsertDecision(ctx context.Context, id int64, d Decision) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.decisions[id] = append(tx.repo.decisions[id], d)
	return nil
}

func (tx *memoryPassTx) SetApproved(ctx context.Context, id int64, cred Credential) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	p, ok := tx.repo.passes[id]
	if !ok || p.Status != StatusPending || p.ApprovalLevel < p.RequiredLevels {
		return ErrInvalidState
	}
	p.Status = StatusApproved
	p.Credential = &cred
	tx.repo.passes[id] = p
	return nil
}

func (tx *memoryPassTx) SetAutoApproved(ctx context.Context, id int64, cred Credential) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	p, ok := tx.repo.passes[id]
	if !ok || p.Status != StatusPending {
		return ErrInvalidState
	}
	p.ApprovalLevel = p.RequiredLevels
	p.Status = StatusApproved
	p.Credential = &cred
	tx.repo.passes[id] = p
	return nil
}

func (tx *memoryPassTx) SetRejected(ctx context.Context, id int64, rej Rejection) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	p, ok := tx.repo.passes[id]
	if !ok || p.Status != StatusPending {
		return ErrInvalidState
	}
	p.Status = StatusRejected
	p.Rejection = &rej
	tx.repo.passes[id] = p
	return nil
}

func (tx *memoryPassTx) SetCancelled(ctx context.Context, id int64) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	p, ok := tx.repo.passes[id]
	if !ok || p.Status != StatusPending {
		return ErrInvalidState
	}
	p.Status = StatusCancelled
	tx.repo.passes[id] = p
	return nil
}

type fakePolicyPort struct {
	policy    tenant.Policy
	approvers []tenant.Approver
}

func (f *fakePolicyPort) PolicyFor(ctx context.Context, tenantID int64) (tenant.Policy, error) {
	return f.policy, nil
}

func (f *fakePolicyPort) Approvers(ctx context.Context, tenantID int64) ([]tenant.Approver, error) {
	if len(f.approvers) == 0 {
		return nil, tenant.ErrNoApprovers
	}
	return f.approvers, nil
}

func (f *fakePolicyPort) Requester(ctx context.Context, tenantID, userID int64) (tenant.Requester, error) {
	return tenant.Requester{ID: userID, Name: "Requester", Email: "requester@example.com"}, nil
}

type fakeIssuer struct {
	mu     sync.Mutex
	issued int
}

func (f *fakeIssuer) Issue(p Pass) (Credential, error) {
	f.mu.Lock()
	f.issued++
	f.mu.Unlock()
	return Credential{
		Token:    fmt.Sprintf(`{"passId":%q,"signature":"deadbeef"}`, p.Number),
		Image:    []byte{0x89, 0x50, 0x4e, 0x47},
		IssuedAt: time.Now(),
	}, nil
}

type fakeNotifier struct {
	mu               sync.Mutex
	approvalRequests []int64
	statusChanges    []Status
}

func (f *fakeNotifier) ApprovalRequested(ctx context.Context, approver tenant.Approver, p Pass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvalRequests = append(f.approvalRequests, approver.ID)
}

func (f *fakeNotifier) StatusChanged(ctx context.Context, requester tenant.Requester, p Pass, status Status, remarks string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChanges = append(f.statusChanges, status)
}

type fakeAudit struct {
	mu      sync.Mutex
	records []shared.AuditLog
}

func (f *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, log)
	return nil
}

func (f *fakeAudit) Timeline(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []shared.AuditLog
	for _, record := range f.records {
		if record.Entity == entity && record.EntityID == entityID {
			out = append(out, record)
		}
	}
	return out, nil
}

type serviceEnv struct {
	repo     *memoryPassRepo
	policy   *fakePolicyPort
	issuer   *fakeIssuer
	notifier *fakeNotifier
	audit    *fakeAudit
	service  *Service
}

func newServiceEnv(policy tenant.Policy) *serviceEnv {
	env := &serviceEnv{
		repo: newMemoryPassRepo(),
		policy: &fakePolicyPort{
			policy:    policy,
			approvers: []tenant.Approver{{ID: 10, Name: "Approver One", Email: "one@example.com"}},
		},
		issuer:   &fakeIssuer{},
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
	}
	now := func() time.Time { return time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC) }
	env.service = NewService(env.repo, env.policy, env.issuer, env.notifier, env.audit, nil, now)
	return env
}

func visitorInput() CreateInput {
	return CreateInput{
		Type:      TypeVisitor,
		TenantID:  1,
		SiteID:    "HQ",
		Requester: 7,
		HostID:    8,
		Purpose:   "Vendor meeting",
		Remarks:   "Escort required",
		ValidFrom: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
		ValidTo:   time.Date(2026, 1, 15, 18, 0, 0, 0, time.UTC),
		Details: Details{Visitor: &VisitorDetails{
			Persons:   []Person{{Name: "Ana Gomez", Phone: "555-0100"}},
			NumPeople: 1,
		}},
	}
}

func createSubmitted(t *testing.T, env *serviceEnv) Pass {
	t.Helper()
	created, err := env.service.Create(context.Background(), visitorInput())
	require.NoError(t, err)
	submitted, err := env.service.Submit(context.Background(), created.ID)
	require.NoError(t, err)
	return submitted
}

func TestCreateValidation(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 1})

	input := visitorInput()
	input.Remarks = ""
	_, err := env.service.Create(context.Background(), input)
	require.ErrorIs(t, err, ErrValidation)

	input = visitorInput()
	input.ValidTo = input.ValidFrom
	_, err = env.service.Create(context.Background(), input)
	require.ErrorIs(t, err, ErrValidation)

	input = visitorInput()
	input.Details.Visitor = nil
	_, err = env.service.Create(context.Background(), input)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateAllocatesNumber(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 1})
	created, err := env.service.Create(context.Background(), visitorInput())
	require.NoError(t, err)
	require.Equal(t, "GP-VIS-20260115-0001", created.Number)
	require.Equal(t, StatusPending, created.Status)
}

func TestSubmitSnapshotsPolicyAndNotifiesApprovers(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 2})
	submitted := createSubmitted(t, env)

	require.Equal(t, StatusPending, submitted.Status)
	require.Equal(t, 2, submitted.RequiredLevels)
	require.Equal(t, []int64{10}, env.notifier.approvalRequests)
	require.Zero(t, env.issuer.issued)
}

func TestSubmitAutoApprovesEmployee(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 2, AutoApproveEmployee: true})

	input := visitorInput()
	input.Type = TypeEmployee
	input.Details = Details{Employee: &EmployeeDetails{EmployeeID: "E-100", Kind: "OnDuty"}}
	created, err := env.service.Create(context.Background(), input)
	require.NoError(t, err)

	submitted, err := env.service.Submit(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, submitted.Status)
	require.Equal(t, 2, submitted.ApprovalLevel)
	require.NotNil(t, submitted.Credential)
	require.NotEmpty(t, submitted.Credential.Token)
	// Approvers are skipped; only the requester hears about it.
	require.Empty(t, env.notifier.approvalRequests)
	require.Equal(t, []Status{StatusApproved}, env.notifier.statusChanges)

	stored, err := env.repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, stored.Decisions, 1)
	require.Equal(t, "system", stored.Decisions[0].ApproverName)
}

func TestTwoLevelApprovalFlow(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 2})
	submitted := createSubmitted(t, env)
	approver := shared.Actor{ID: 10, Name: "Approver One"}

	first, err := env.service.Decide(context.Background(), submitted.ID, approver, DecisionApproved, "ok")
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, 1, first.ApprovalLevel)
	require.Nil(t, first.Credential)

	second, err := env.service.Decide(context.Background(), submitted.ID, shared.Actor{ID: 11, Name: "Approver Two"}, DecisionApproved, "ok")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, second.Status)
	require.Equal(t, 2, second.ApprovalLevel)
	require.NotNil(t, second.Credential)
	require.NotEmpty(t, second.Credential.Token)
	require.Equal(t, 1, env.issuer.issued)

	stored, err := env.repo.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.Len(t, stored.Decisions, 2)
	require.Equal(t, 1, stored.Decisions[0].Level)
	require.Equal(t, 2, stored.Decisions[1].Level)
}

func TestApprovalLevelNeverExceedsRequired(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 1})
	submitted := createSubmitted(t, env)
	approver := shared.Actor{ID: 10, Name: "Approver One"}

	approved, err := env.service.Decide(context.Background(), submitted.ID, approver, DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)

	_, err = env.service.Decide(context.Background(), submitted.ID, approver, DecisionApproved, "")
	require.ErrorIs(t, err, ErrInvalidState)

	stored, err := env.repo.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.Equal(t, stored.RequiredLevels, stored.ApprovalLevel)
}

func TestRejectBlocksFurtherDecisions(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 2})
	submitted := createSubmitted(t, env)
	approver := shared.Actor{ID: 10, Name: "Approver One"}

	rejected, err := env.service.Decide(context.Background(), submitted.ID, approver, DecisionRejected, "no escort available")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.NotNil(t, rejected.Rejection)
	require.Equal(t, "no escort available", rejected.Rejection.Remarks)

	_, err = env.service.Decide(context.Background(), submitted.ID, approver, DecisionApproved, "")
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, []Status{StatusRejected}, env.notifier.statusChanges)
}

func TestConcurrentDecisionsOneWins(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 1})
	submitted := createSubmitted(t, env)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			actor := shared.Actor{ID: int64(100 + n), Name: "Racer"}
			_, err := env.service.Decide(context.Background(), submitted.ID, actor, DecisionApproved, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrInvalidState)
			losses++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, attempts-1, losses)

	stored, err := env.repo.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)
	require.Equal(t, 1, stored.ApprovalLevel)
}

func TestCancel(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 1})
	submitted := createSubmitted(t, env)

	_, err := env.service.Cancel(context.Background(), submitted.ID, shared.Actor{ID: 99})
	require.ErrorIs(t, err, ErrForbidden)

	cancelled, err := env.service.Cancel(context.Background(), submitted.ID, shared.Actor{ID: 7})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	_, err = env.service.Cancel(context.Background(), submitted.ID, shared.Actor{ID: 7})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestTimeline(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 1})
	submitted := createSubmitted(t, env)

	_, err := env.service.Decide(context.Background(), submitted.ID, shared.Actor{ID: 10, Name: "Approver One"}, DecisionApproved, "ok")
	require.NoError(t, err)

	entries, err := env.service.Timeline(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, shared.AuditCreated, entries[0].Action)
	require.Equal(t, shared.AuditApproved, entries[1].Action)
	require.Equal(t, int64(10), entries[1].ActorID)

	_, err = env.service.Timeline(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelByAdmin(t *testing.T) {
	env := newServiceEnv(tenant.Policy{ApprovalLevels: 1})
	submitted := createSubmitted(t, env)

	admin := shared.Actor{ID: 500, Capabilities: []string{shared.CapabilityAdmin}}
	cancelled, err := env.service.Cancel(context.Background(), submitted.ID, admin)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
}
