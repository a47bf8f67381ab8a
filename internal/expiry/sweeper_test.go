package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/passage-gms/passage/internal/pass"
	"github.com/passage-gms/passage/internal/shared"
)

type memoryExpiryStore struct {
	mu     sync.Mutex
	passes map[int64]pass.Pass
	calls  int
	err    error
}

func newMemoryExpiryStore(passes ...pass.Pass) *memoryExpiryStore {
	s := &memoryExpiryStore{passes: make(map[int64]pass.Pass)}
	for _, p := range passes {
		s.passes[p.ID] = p
	}
	return s
}

func (s *memoryExpiryStore) ExpireLapsed(ctx context.Context, now time.Time) ([]pass.ExpiredPass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []pass.ExpiredPass
	for id, p := range s.passes {
		if (p.Status == pass.StatusApproved || p.Status == pass.StatusActive) && p.ValidTo.Before(now) {
			p.Status = pass.StatusExpired
			s.passes[id] = p
			out = append(out, pass.ExpiredPass{ID: p.ID, Number: p.Number, TenantID: p.TenantID})
		}
	}
	return out, nil
}

func (s *memoryExpiryStore) status(id int64) pass.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes[id].Status
}

type recordingAudit struct {
	mu      sync.Mutex
	records []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, log)
	return nil
}

var sweepClock = time.Date(2026, 1, 16, 3, 0, 0, 0, time.UTC)

func lapsedPass(id int64, status pass.Status) pass.Pass {
	return pass.Pass{
		ID:       id,
		Number:   "GP-VIS-20260115-000" + string(rune('0'+id)),
		TenantID: 1,
		Status:   status,
		ValidTo:  sweepClock.Add(-2 * time.Hour),
	}
}

func TestSweepExpiresLapsedPasses(t *testing.T) {
	current := lapsedPass(5, pass.StatusApproved)
	current.ValidTo = sweepClock.Add(2 * time.Hour)
	store := newMemoryExpiryStore(
		lapsedPass(1, pass.StatusApproved),
		lapsedPass(2, pass.StatusActive),
		lapsedPass(3, pass.StatusPending),
		lapsedPass(4, pass.StatusCheckedOut),
		current,
	)
	audit := &recordingAudit{}
	sweeper := NewSweeper(store, audit, nil)

	count, err := sweeper.Sweep(context.Background(), sweepClock)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.Equal(t, pass.StatusExpired, store.status(1))
	require.Equal(t, pass.StatusExpired, store.status(2))
	// Pending never reached Approved and CheckedOut already left; neither is
	// the sweeper's to retire.
	require.Equal(t, pass.StatusPending, store.status(3))
	require.Equal(t, pass.StatusCheckedOut, store.status(4))
	require.Equal(t, pass.StatusApproved, store.status(5))

	require.Len(t, audit.records, 2)
	for _, record := range audit.records {
		require.Equal(t, shared.AuditExpired, record.Action)
		require.Zero(t, record.ActorID)
		require.Equal(t, true, record.Changes["autoExpired"])
	}
}

func TestSweepIdempotent(t *testing.T) {
	store := newMemoryExpiryStore(lapsedPass(1, pass.StatusApproved))
	sweeper := NewSweeper(store, &recordingAudit{}, nil)

	count, err := sweeper.Sweep(context.Background(), sweepClock)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = sweeper.Sweep(context.Background(), sweepClock)
	require.NoError(t, err)
	require.Zero(t, count)
}

func sweepTask() *asynq.Task {
	return asynq.NewTask("pass:expiry_sweep", nil)
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestSweepJobRunsAndReleasesLock(t *testing.T) {
	store := newMemoryExpiryStore(lapsedPass(1, pass.StatusApproved))
	client := testRedis(t)
	job := NewSweepJob(NewSweeper(store, &recordingAudit{}, nil), client, nil, func() time.Time { return sweepClock })

	require.NoError(t, job.Handle(context.Background(), sweepTask()))
	require.Equal(t, 1, store.calls)
	require.Equal(t, pass.StatusExpired, store.status(1))

	exists, err := client.Exists(context.Background(), sweepLockKey).Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}

func TestSweepJobSkipsWhenLockHeld(t *testing.T) {
	store := newMemoryExpiryStore(lapsedPass(1, pass.StatusApproved))
	client := testRedis(t)
	require.NoError(t, client.Set(context.Background(), sweepLockKey, "1", 0).Err())

	job := NewSweepJob(NewSweeper(store, &recordingAudit{}, nil), client, nil, func() time.Time { return sweepClock })
	require.NoError(t, job.Handle(context.Background(), sweepTask()))

	// The tick was skipped and the held lock is left alone.
	require.Zero(t, store.calls)
	exists, err := client.Exists(context.Background(), sweepLockKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), exists)
}

func TestSweepJobPropagatesSweepError(t *testing.T) {
	store := newMemoryExpiryStore()
	store.err = errors.New("boom")
	client := testRedis(t)
	job := NewSweepJob(NewSweeper(store, &recordingAudit{}, nil), client, nil, func() time.Time { return sweepClock })

	require.Error(t, job.Handle(context.Background(), sweepTask()))
	// The lock is released even on failure so the next tick can run.
	exists, err := client.Exists(context.Background(), sweepLockKey).Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}
