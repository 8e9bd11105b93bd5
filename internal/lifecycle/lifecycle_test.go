package lifecycle_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/dispatch"
	"storyline/internal/domain"
	"storyline/internal/lifecycle"
	"storyline/internal/planner"
	"storyline/internal/registry"
	"storyline/internal/signal"
	"storyline/internal/status"
)

// advance is what a well-behaved worker does to each status.
var advance = map[domain.Status]domain.Status{
	domain.StatusBacklog:     domain.StatusReadyForDev,
	domain.StatusReadyForDev: domain.StatusReview,
	domain.StatusInProgress:  domain.StatusReview,
	domain.StatusReview:      domain.StatusDone,
}

type step func(a domain.Action, call int) (domain.UnitStatus, error)

type scriptedDispatcher struct {
	store *status.Store
	step  step
	mu    sync.Mutex
	calls []domain.Action
}

func (s *scriptedDispatcher) Dispatch(_ context.Context, _ *status.Snapshot, a domain.Action, _ time.Duration) (domain.ExecutionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, a)
	n := len(s.calls)
	s.mu.Unlock()

	res := domain.ExecutionResult{UnitID: a.UnitID, Phase: a.Phase, FromStatus: a.FromStatus}
	to, err := s.step(a, n)
	if err != nil {
		res.Outcome = domain.OutcomeFailed
		return res, err
	}
	if to.Status != "" {
		for {
			snap, err := s.store.Load()
			if err != nil {
				return res, err
			}
			if _, err = s.store.Save(snap, a.UnitID, to); err == nil {
				break
			} else if !status.IsConflict(err) {
				return res, err
			}
		}
	}
	res.Outcome = domain.OutcomeSuccess
	res.ToStatus = to.Status
	return res, nil
}

func (s *scriptedDispatcher) Calls() []domain.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Action(nil), s.calls...)
}

func forward(a domain.Action, _ int) (domain.UnitStatus, error) {
	return domain.StatusOf(advance[a.FromStatus]), nil
}

type testEnv struct {
	Store      *status.Store
	Registry   *registry.Registry
	Dispatcher *scriptedDispatcher
	Runner     *lifecycle.Runner
}

func newTestEnv(t *testing.T, body string, s step, opts lifecycle.Options) testEnv {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "sprint-status.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	store := status.New(p, nil)
	reg := registry.New(filepath.Join(dir, ".storyline", "dispatch"), time.Minute, nil)
	signals := signal.New(filepath.Join(dir, ".storyline"), nil)
	d := &scriptedDispatcher{store: store, step: s}
	if opts.Instance == "" {
		opts.Instance = "test-host"
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	r := lifecycle.New(store, planner.New(nil), d, reg, signals, opts, nil)
	return testEnv{Store: store, Registry: reg, Dispatcher: d, Runner: r}
}

func (env testEnv) statusOf(t *testing.T, id string) domain.UnitStatus {
	t.Helper()
	snap, err := env.Store.Load()
	require.NoError(t, err)
	st, ok := snap.Status(id)
	require.True(t, ok)
	return st
}

const epicDoc = `development_status:
  epic-1: in-progress
  1-1-setup: done
  1-2-login: ready-for-dev
  1-3-logout: backlog
  epic-2: backlog
  2-1-search: backlog
`

func TestRunUnitDrivesStoryToDone(t *testing.T) {
	env := newTestEnv(t, epicDoc, forward, lifecycle.Options{})

	res, err := env.Runner.RunUnit(context.Background(), "1-3-logout")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDone, res.Outcome)
	assert.Equal(t, domain.StatusDone, res.FinalStatus)
	assert.Equal(t, []domain.Phase{domain.PhaseCreate, domain.PhaseDevelop, domain.PhaseReview}, res.Phases)

	rec, err := env.Registry.Get("1-3-logout")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchDone, rec.State)
	assert.Equal(t, "test-host", rec.Instance)
}

func TestRunUnitAlreadyDoneOrBlocked(t *testing.T) {
	body := epicDoc + "  2-2-filters: blocked\nblocked_reasons:\n  2-2-filters: needs design\n"
	env := newTestEnv(t, body, forward, lifecycle.Options{})

	res, err := env.Runner.RunUnit(context.Background(), "1-1-setup")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDone, res.Outcome)

	res, err = env.Runner.RunUnit(context.Background(), "2-2-filters")
	require.NoError(t, err)
	assert.True(t, res.NeedsIntervention())
	assert.Contains(t, res.Reason, "needs design")
	assert.Empty(t, env.Dispatcher.Calls())

	_, err = env.Runner.RunUnit(context.Background(), "9-9-ghost")
	require.ErrorIs(t, err, status.ErrUnknownUnit)
	_, err = env.Runner.RunUnit(context.Background(), "epic-1")
	require.Error(t, err)
}

func TestRunUnitBlocksAfterRetryLimit(t *testing.T) {
	stuck := func(domain.Action, int) (domain.UnitStatus, error) { return domain.UnitStatus{}, nil }
	env := newTestEnv(t, epicDoc, stuck, lifecycle.Options{RetryLimit: 3})

	res, err := env.Runner.RunUnit(context.Background(), "1-3-logout")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIntervention, res.Outcome)
	assert.Equal(t, domain.StatusBlocked, res.FinalStatus)
	assert.Len(t, env.Dispatcher.Calls(), 3)

	st := env.statusOf(t, "1-3-logout")
	assert.Equal(t, domain.StatusBlocked, st.Status)
	assert.Equal(t, "no progress after 3 attempts", st.Reason)
}

func TestRunUnitRetriesProcessFailures(t *testing.T) {
	failing := func(a domain.Action, _ int) (domain.UnitStatus, error) {
		return domain.UnitStatus{}, &dispatch.ProcessError{UnitID: a.UnitID, Phase: a.Phase, ExitCode: 1}
	}
	env := newTestEnv(t, epicDoc, failing, lifecycle.Options{RetryLimit: 2})

	res, err := env.Runner.RunUnit(context.Background(), "1-3-logout")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIntervention, res.Outcome)
	assert.Len(t, env.Dispatcher.Calls(), 2)
	assert.Equal(t, domain.Blocked(lifecycle.NoProgressReason(2)), env.statusOf(t, "1-3-logout"))
}

func TestRunUnitSurfacesBlockedAndTimeout(t *testing.T) {
	blocked := func(a domain.Action, _ int) (domain.UnitStatus, error) {
		return domain.UnitStatus{}, &dispatch.BlockedError{UnitID: a.UnitID, Phase: a.Phase, Reason: "acceptance criteria unclear"}
	}
	env := newTestEnv(t, epicDoc, blocked, lifecycle.Options{})
	res, err := env.Runner.RunUnit(context.Background(), "1-2-login")
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeBlocked, res.Outcome)
	assert.Equal(t, "acceptance criteria unclear", res.Reason)
	assert.Equal(t, domain.PhaseDevelop, res.Phase)
	assert.Len(t, env.Dispatcher.Calls(), 1)

	rec, err := env.Registry.Get("1-2-login")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchFailed, rec.State)

	timeout := func(a domain.Action, _ int) (domain.UnitStatus, error) {
		return domain.UnitStatus{}, &dispatch.TimeoutError{UnitID: a.UnitID, Phase: a.Phase, Timeout: time.Minute}
	}
	env = newTestEnv(t, epicDoc, timeout, lifecycle.Options{})
	res, err = env.Runner.RunUnit(context.Background(), "1-2-login")
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeTimeout, res.Outcome)
	assert.Contains(t, res.Reason, "1-2-login")
}

func TestRunUnitStopsAtMaxPhases(t *testing.T) {
	pingPong := func(a domain.Action, _ int) (domain.UnitStatus, error) {
		if a.FromStatus == domain.StatusReview {
			return domain.StatusOf(domain.StatusInProgress), nil
		}
		return domain.StatusOf(domain.StatusReview), nil
	}
	env := newTestEnv(t, epicDoc, pingPong, lifecycle.Options{MaxPhases: 4})
	res, err := env.Runner.RunUnit(context.Background(), "1-2-login")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIntervention, res.Outcome)
	assert.Contains(t, res.Reason, "exceeded 4 phases")
	assert.Len(t, res.Phases, 4)
}

func TestRunUnitReplansAfterConflict(t *testing.T) {
	conflictOnce := func(a domain.Action, call int) (domain.UnitStatus, error) {
		if call == 1 {
			return domain.UnitStatus{}, &status.ConflictError{Path: "x", Expected: "a", Actual: "b"}
		}
		return forward(a, call)
	}
	env := newTestEnv(t, epicDoc, conflictOnce, lifecycle.Options{})
	res, err := env.Runner.RunUnit(context.Background(), "1-2-login")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDone, res.Outcome)
	assert.Len(t, env.Dispatcher.Calls(), 3)
}

func TestRunUnitSkipsClaimedUnit(t *testing.T) {
	env := newTestEnv(t, epicDoc, forward, lifecycle.Options{})
	_, err := env.Registry.Claim("1-2-login", "other-host", domain.PhaseDevelop)
	require.NoError(t, err)

	res, err := env.Runner.RunUnit(context.Background(), "1-2-login")
	require.True(t, registry.IsAlreadyClaimed(err))
	assert.Equal(t, domain.OutcomeClaimed, res.Outcome)
	assert.Empty(t, env.Dispatcher.Calls())
}

func TestRunUnitCancelled(t *testing.T) {
	env := newTestEnv(t, epicDoc, forward, lifecycle.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := env.Runner.RunUnit(ctx, "1-2-login")
	require.ErrorIs(t, err, dispatch.ErrAborted)
	assert.Equal(t, domain.OutcomeAborted, res.Outcome)
}

func TestRunGroupContinuesPastFailures(t *testing.T) {
	s := func(a domain.Action, call int) (domain.UnitStatus, error) {
		if a.UnitID == "1-2-login" {
			return domain.UnitStatus{}, &dispatch.TimeoutError{UnitID: a.UnitID, Phase: a.Phase, Timeout: time.Second}
		}
		return forward(a, call)
	}
	env := newTestEnv(t, epicDoc, s, lifecycle.Options{ContinueOnFailure: true})

	res, err := env.Runner.RunGroup(context.Background(), "epic-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1-setup", "1-3-logout"}, res.Completed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, domain.GroupFailure{UnitID: "1-2-login", Phase: domain.PhaseDevelop, Outcome: domain.OutcomeTimeout, Reason: res.Failed[0].Reason}, res.Failed[0])
	assert.NotEmpty(t, res.Failed[0].Reason)
	assert.Empty(t, res.Skipped)

	// Members ran strictly in order.
	calls := env.Dispatcher.Calls()
	assert.Equal(t, "1-2-login", calls[0].UnitID)
	assert.Equal(t, "1-3-logout", calls[1].UnitID)
}

func TestRunGroupStopsOnFailure(t *testing.T) {
	s := func(a domain.Action, _ int) (domain.UnitStatus, error) {
		return domain.UnitStatus{}, &dispatch.BlockedError{UnitID: a.UnitID, Phase: a.Phase, Reason: "stop"}
	}
	env := newTestEnv(t, epicDoc, s, lifecycle.Options{ContinueOnFailure: false})
	res, err := env.Runner.RunGroup(context.Background(), "epic-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1-setup"}, res.Completed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, domain.OutcomeBlocked, res.Failed[0].Outcome)
	assert.Equal(t, []string{"1-3-logout"}, res.Skipped)

	_, err = env.Runner.RunGroup(context.Background(), "epic-9")
	require.ErrorIs(t, err, status.ErrUnknownUnit)
}

func TestNextSkipsClaimedAndReportsNothingToDo(t *testing.T) {
	env := newTestEnv(t, epicDoc, forward, lifecycle.Options{})
	_, err := env.Registry.Claim("1-2-login", "other-host", domain.PhaseDevelop)
	require.NoError(t, err)

	res, err := env.Runner.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1-3-logout", res.UnitID)
	assert.Equal(t, domain.PhaseCreate, res.Phase)

	done := newTestEnv(t, "development_status:\n  1-1-a: done\n", forward, lifecycle.Options{})
	res, err = done.Runner.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNothingToDo, res.Outcome)
}

func TestRestartRunsStaleUnit(t *testing.T) {
	env := newTestEnv(t, epicDoc, forward, lifecycle.Options{})
	old, err := env.Registry.Claim("1-2-login", "dead-host", domain.PhaseDevelop)
	require.NoError(t, err)

	_, err = env.Runner.Restart(context.Background(), old.DispatchID)
	require.ErrorIs(t, err, registry.ErrNotStale)

	env.Registry.Now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := env.Runner.Restart(context.Background(), old.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDone, res.Outcome)

	rec, err := env.Registry.Get("1-2-login")
	require.NoError(t, err)
	assert.Equal(t, "test-host", rec.Instance)
	assert.Equal(t, domain.DispatchDone, rec.State)
}

func TestRunAllPerGroupConcurrent(t *testing.T) {
	env := newTestEnv(t, epicDoc, forward, lifecycle.Options{GroupConcurrency: 2, ContinueOnFailure: true})
	results, err := env.Runner.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "epic-1", results[0].GroupID)
	assert.Equal(t, "epic-2", results[1].GroupID)
	for _, id := range []string{"1-2-login", "1-3-logout", "2-1-search"} {
		assert.Equal(t, domain.StatusDone, env.statusOf(t, id).Status, id)
	}
}

func TestRunAllGlobalOrder(t *testing.T) {
	env := newTestEnv(t, epicDoc, forward, lifecycle.Options{GroupOrder: lifecycle.GroupOrderGlobal})
	results, err := env.Runner.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	// ready-for-dev outranks backlog, then backlog ties break by id.
	assert.Equal(t, []string{"1-2-login", "1-3-logout", "2-1-search"}, results[0].Completed)
}

func TestDryRunDispatchesOnce(t *testing.T) {
	dry := func(domain.Action, int) (domain.UnitStatus, error) { return domain.UnitStatus{}, nil }
	env := newTestEnv(t, epicDoc, dry, lifecycle.Options{DryRun: true})
	env.Runner.Dispatcher = dryRunDispatcher{}
	res, err := env.Runner.RunUnit(context.Background(), "1-2-login")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDryRun, res.Outcome)
	_, err = env.Registry.Get("1-2-login")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

type dryRunDispatcher struct{}

func (dryRunDispatcher) Dispatch(_ context.Context, _ *status.Snapshot, a domain.Action, _ time.Duration) (domain.ExecutionResult, error) {
	return domain.ExecutionResult{UnitID: a.UnitID, Phase: a.Phase, Outcome: domain.OutcomeDryRun, Message: "would run: x"}, nil
}
