package signal_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/domain"
	"storyline/internal/signal"
	"storyline/internal/status"
)

type fakeStore struct {
	snap *status.Snapshot
	err  error
}

func (f *fakeStore) Load() (*status.Snapshot, error) { return f.snap, f.err }

func newProtocol(t *testing.T) *signal.Protocol {
	t.Helper()
	p := signal.New(t.TempDir(), nil)
	p.Now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestLockLifecycle(t *testing.T) {
	p := newProtocol(t)
	require.NoError(t, p.CreateLock(domain.LockRecord{UnitID: "1-2", StartingStatus: domain.StatusReadyForDev}))

	err := p.CreateLock(domain.LockRecord{UnitID: "1-2", StartingStatus: domain.StatusInProgress})
	require.ErrorIs(t, err, signal.ErrLockHeld)

	rec, err := p.ReadLock("1-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReadyForDev, rec.StartingStatus)
	assert.Equal(t, os.Getpid(), rec.OwnerPID)
	assert.Equal(t, p.Now(), rec.CreatedAt)

	require.NoError(t, p.UpdateStartingStatus("1-2", domain.StatusInProgress))
	require.NoError(t, p.SetWorkerPID("1-2", 4242))
	rec, err = p.ReadLock("1-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, rec.StartingStatus)
	assert.Equal(t, 4242, rec.WorkerPID)

	require.NoError(t, p.CreateLock(domain.LockRecord{UnitID: "1-1", StartingStatus: domain.StatusBacklog}))
	locks, err := p.ListLocks()
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, "1-1", locks[0].UnitID)

	require.NoError(t, p.RemoveLock("1-2"))
	require.NoError(t, p.RemoveLock("1-2"))
	_, err = p.ReadLock("1-2")
	require.ErrorIs(t, err, signal.ErrNoLock)
}

func TestLockFileFormat(t *testing.T) {
	p := newProtocol(t)
	require.NoError(t, p.CreateLock(domain.LockRecord{UnitID: "1-2", StartingStatus: domain.StatusReview, OwnerPID: 10}))
	data, err := os.ReadFile(filepath.Join(p.LocksDir(), "1-2.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"unit_id":"1-2","starting_status":"review","owner_pid":10,"created_at":"2026-01-01T12:00:00Z"}`, string(data))
}

func TestRejectsPathLikeIDs(t *testing.T) {
	p := newProtocol(t)
	for _, id := range []string{"", "../x", "a/b", ".hidden"} {
		assert.Error(t, p.CreateLock(domain.LockRecord{UnitID: id}), id)
	}
}

func TestSignalWrittenOnce(t *testing.T) {
	p := newProtocol(t)
	first := domain.SignalRecord{UnitID: "1-2", FromStatus: domain.StatusReadyForDev, ToStatus: domain.StatusInProgress}
	ok, err := p.WriteSignal(first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.WriteSignal(domain.SignalRecord{UnitID: "1-2", FromStatus: domain.StatusInProgress, ToStatus: domain.StatusReview})
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := p.ConsumeSignal("1-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusInProgress, got.ToStatus)

	_, ok, err = p.ReadSignal("1-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObserverWritesSignalOnStatusChange(t *testing.T) {
	p := newProtocol(t)
	require.NoError(t, p.CreateLock(domain.LockRecord{UnitID: "1-2", StartingStatus: domain.StatusReadyForDev}))
	require.NoError(t, p.CreateLock(domain.LockRecord{UnitID: "1-3", StartingStatus: domain.StatusReview}))

	store := &fakeStore{snap: status.MustSnapshot(map[string]domain.Status{
		"1-2": domain.StatusInProgress,
		"1-3": domain.StatusReview,
	})}
	obs := signal.NewObserver(p, store, nil)

	written, err := obs.Observe(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, domain.SignalRecord{
		UnitID:     "1-2",
		FromStatus: domain.StatusReadyForDev,
		ToStatus:   domain.StatusInProgress,
		Timestamp:  p.Now(),
	}, written[0])

	// Locks survive observation.
	locks, err := p.ListLocks()
	require.NoError(t, err)
	assert.Len(t, locks, 2)

	// A second idle event does not overwrite the pending signal.
	written, err = obs.Observe(context.Background(), "1-2")
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestObserverWithoutLocksSkipsStatusRead(t *testing.T) {
	obs := signal.NewObserver(newProtocol(t), &fakeStore{err: status.ErrNotFound}, nil)
	written, err := obs.Observe(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestWatchWakesOnSignal(t *testing.T) {
	p := newProtocol(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := p.Watch(ctx)
	if wake == nil {
		t.Skip("filesystem notifications unavailable")
	}
	_, err := p.WriteSignal(domain.SignalRecord{UnitID: "1-1", FromStatus: domain.StatusBacklog, ToStatus: domain.StatusReadyForDev})
	require.NoError(t, err)

	select {
	case <-wake:
	case <-time.After(5 * time.Second):
		t.Fatal("no wake-up after signal write")
	}
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, signal.ProcessAlive(os.Getpid()))
	assert.False(t, signal.ProcessAlive(0))
	assert.False(t, signal.ProcessAlive(-1))
}
