package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/domain"
	"storyline/internal/registry"
	"storyline/internal/status"
	"storyline/internal/worker"
)

const doc = `project: demo
development_status:
  epic-1: in-progress
  1-1-setup: done
  1-2-login: review
  1-3-logout: ready-for-dev
`

// advancingLauncher plays a worker that moves its story one step and exits
// cleanly.
type advancingLauncher struct {
	root  string
	mu    sync.Mutex
	specs []worker.Spec
}

type doneProcess struct{ done chan worker.Exit }

func (p *doneProcess) PID() int                      { return os.Getpid() }
func (p *doneProcess) Done() <-chan worker.Exit      { return p.done }
func (p *doneProcess) Terminate(time.Duration) error { return nil }

func (l *advancingLauncher) Start(_ context.Context, spec worker.Spec) (worker.Process, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()
	st, err := status.Open(l.root, "", nil)
	if err != nil {
		return nil, err
	}
	snap, err := st.Load()
	if err != nil {
		return nil, err
	}
	next := map[domain.Phase]domain.Status{
		domain.PhaseCreate:  domain.StatusReadyForDev,
		domain.PhaseDevelop: domain.StatusReview,
		domain.PhaseReview:  domain.StatusDone,
	}[spec.Phase]
	if _, err := st.Save(snap, spec.UnitID, domain.StatusOf(next)); err != nil {
		return nil, err
	}
	p := &doneProcess{done: make(chan worker.Exit, 1)}
	p.done <- worker.Exit{Code: 0}
	close(p.done)
	return p, nil
}

func (l *advancingLauncher) Describe(spec worker.Spec) (string, error) {
	return "fake-worker " + spec.Prompt, nil
}

type testEnv struct {
	root     string
	launcher *advancingLauncher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	text.DisableColors()
	root := t.TempDir()
	p := filepath.Join(root, "docs", "sprint-status.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o644))
	return &testEnv{root: root, launcher: &advancingLauncher{root: root}}
}

// run executes sl with args and returns the exit code and stdout.
func (e *testEnv) run(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&cli{launcher: e.launcher})
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--project-root", e.root, "--instance", "test-host"}, args...))
	code := exitCode(&errOut, root.ExecuteContext(context.Background()))
	if errOut.Len() > 0 {
		t.Logf("stderr: %s", errOut.String())
	}
	return code, out.String()
}

func TestUnitExitCodes(t *testing.T) {
	assert.Equal(t, exitOK, unitExitCode(domain.OutcomeDone))
	assert.Equal(t, exitOK, unitExitCode(domain.OutcomeDryRun))
	assert.Equal(t, exitTimeout, unitExitCode(domain.OutcomeTimeout))
	assert.Equal(t, exitIntervention, unitExitCode(domain.OutcomeBlocked))
	assert.Equal(t, exitIntervention, unitExitCode(domain.OutcomeIntervention))
	assert.Equal(t, exitIntervention, unitExitCode(domain.OutcomeClaimed))
	assert.Equal(t, exitInterrupted, unitExitCode(domain.OutcomeAborted))
}

func TestGroupExitCodePrefersIntervention(t *testing.T) {
	timeout := domain.GroupResult{Failed: []domain.GroupFailure{{UnitID: "a", Outcome: domain.OutcomeTimeout}}}
	blocked := domain.GroupResult{Failed: []domain.GroupFailure{{UnitID: "b", Outcome: domain.OutcomeBlocked}}}
	assert.Equal(t, exitOK, groupExitCode([]domain.GroupResult{{Completed: []string{"x"}}}))
	assert.Equal(t, exitTimeout, groupExitCode([]domain.GroupResult{timeout}))
	assert.Equal(t, exitIntervention, groupExitCode([]domain.GroupResult{timeout, blocked}))
}

func TestStatusCommand(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.run(t, "status", "--stories")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Project: demo")
	assert.Contains(t, out, "review → 1-2-login")
	assert.Contains(t, out, "1-3-logout")
}

func TestStatusParseFailure(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "docs", "sprint-status.yaml"), []byte("development_status:\n  1-1-a: sideways\n"), 0o644))
	code, _ := env.run(t, "status")
	assert.Equal(t, exitFailure, code)
}

func TestStatusMissingDocument(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.RemoveAll(filepath.Join(env.root, "docs")))
	code, _ := env.run(t, "status")
	assert.Equal(t, exitFailure, code)
}

func TestNextDispatchesUntilNothingLeft(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.run(t, "next")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "review for 1-2-login")

	code, _ = env.run(t, "next")
	require.Equal(t, exitOK, code)
	code, _ = env.run(t, "next")
	require.Equal(t, exitOK, code)
	code, out = env.run(t, "next")
	assert.Equal(t, exitNothingToDo, code)
	assert.Contains(t, out, "Nothing to do")

	env.launcher.mu.Lock()
	defer env.launcher.mu.Unlock()
	require.Len(t, env.launcher.specs, 3)
	assert.Equal(t, domain.PhaseDevelop, env.launcher.specs[1].Phase)
	assert.Equal(t, "1-3-logout", env.launcher.specs[1].UnitID)
}

func TestNextDryRunLeavesStatus(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.run(t, "next", "--dry-run")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "fake-worker")
	assert.Empty(t, env.launcher.specs)

	st, err := status.Open(env.root, "", nil)
	require.NoError(t, err)
	snap, err := st.Load()
	require.NoError(t, err)
	got, _ := snap.Status("1-2-login")
	assert.Equal(t, domain.StatusReview, got.Status)
}

func TestRunUnitCompletes(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.run(t, "run-unit", "1-3-logout")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "1-3-logout completed")
	assert.Contains(t, out, "develop, review")

	code, _ = env.run(t, "run-unit", "9-9-missing")
	assert.Equal(t, exitFailure, code)
}

func TestRunGroupAcceptsBareNumber(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.run(t, "run-group", "1")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "epic-1")
}

func TestRunUnitBlockedNeedsIntervention(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "docs", "sprint-status.yaml"), []byte(doc+"  1-4-stuck: blocked\nblocked_reasons:\n  1-4-stuck: waiting on api\n"), 0o644))
	code, out := env.run(t, "run-unit", "1-4-stuck")
	assert.Equal(t, exitIntervention, code)
	assert.Contains(t, out, "waiting on api")
}

func TestAuditClearAndRestart(t *testing.T) {
	env := newTestEnv(t)
	reg := registry.New(filepath.Join(env.root, ".storyline", "dispatch"), 2*time.Minute, nil)
	reg.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	rec, err := reg.Claim("1-3-logout", "gone-host", domain.PhaseDevelop)
	require.NoError(t, err)

	code, out := env.run(t, "audit")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, rec.DispatchID)

	code, _ = env.run(t, "restart", "no-such-dispatch")
	assert.Equal(t, exitFailure, code)

	code, out = env.run(t, "restart", rec.DispatchID)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "1-3-logout completed")

	code, out = env.run(t, "clear")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "1-3-logout")
	code, _ = env.run(t, "clear", "1-3-logout")
	require.Equal(t, exitOK, code)
	code, out = env.run(t, "clear")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "No dispatch records")
}

func TestRestartRefusesLiveClaim(t *testing.T) {
	env := newTestEnv(t)
	reg := registry.New(filepath.Join(env.root, ".storyline", "dispatch"), 2*time.Minute, nil)
	rec, err := reg.Claim("1-3-logout", "busy-host", domain.PhaseDevelop)
	require.NoError(t, err)

	code, _ := env.run(t, "restart", rec.DispatchID)
	assert.Equal(t, exitFailure, code)
	code, _ = env.run(t, "clear", "1-3-logout")
	assert.Equal(t, exitFailure, code)
	code, _ = env.run(t, "clear", "1-3-logout", "--force")
	assert.Equal(t, exitOK, code)
}

func TestHookWithoutLocksIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.run(t, "hook")
	require.Equal(t, exitOK, code)
	assert.Empty(t, out)
}

func TestLogTailShowsDispatchEvents(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.run(t, "next")
	require.Equal(t, exitOK, code)
	code, out := env.run(t, "log", "tail", "--type", "dispatch.*")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "dispatch.started")
	assert.Contains(t, out, "dispatch.succeeded")
}

func TestConfigShowAndInit(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.run(t, "config", "show")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "state_dir: .storyline")
	assert.Contains(t, out, "poll_interval: 5s")

	code, _ = env.run(t, "config", "init")
	require.Equal(t, exitOK, code)
	assert.FileExists(t, filepath.Join(env.root, "storyline.yml"))
	code, _ = env.run(t, "config", "init")
	assert.Equal(t, exitFailure, code)
}

func TestInvalidLogLevel(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.run(t, "--log-level", "loud", "status")
	assert.Equal(t, exitFailure, code)
}

func TestServeTokenMintsBearerToken(t *testing.T) {
	t.Setenv("STORYLINE_JWT_SECRET", "")
	env := newTestEnv(t)
	code, out := env.run(t, "serve", "token", "--jwt-secret", "s3cret", "--subject", "ci")
	require.Equal(t, exitOK, code)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)

	code, _ = env.run(t, "serve", "token")
	assert.Equal(t, exitFailure, code)
}
