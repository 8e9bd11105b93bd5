package worker_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/domain"
	"storyline/internal/worker"
)

func TestPrompt(t *testing.T) {
	assert.Equal(t, "/bmad:bmm:workflows:dev-story for story 1-2", worker.Prompt("bmad:bmm:workflows:dev-story", "1-2", false))
	assert.Contains(t, worker.Prompt("wf", "1-2", true), "#yolo mode")
}

func TestArgvTemplates(t *testing.T) {
	l := worker.NewExecLauncher([]string{
		"claude",
		"{{if .ResumeSessionID}}--resume{{else}}--session-id{{end}}",
		"{{or .ResumeSessionID .SessionID}}",
		"{{.Prompt}}",
		"{{if eq .Phase \"review\"}}--fresh{{end}}",
	}, nil, "", nil)

	argv, err := l.Argv(worker.Spec{UnitID: "1-2", Phase: domain.PhaseDevelop, SessionID: "s-1", Prompt: "/wf for story 1-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "--session-id", "s-1", "/wf for story 1-2"}, argv)

	argv, err = l.Argv(worker.Spec{UnitID: "1-2", Phase: domain.PhaseDevelop, SessionID: "s-2", ResumeSessionID: "s-1", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "--resume", "s-1", "p"}, argv)

	argv, err = l.Argv(worker.Spec{UnitID: "1-2", Phase: domain.PhaseReview, SessionID: "s-3", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "--session-id", "s-3", "p", "--fresh"}, argv)

	desc, err := l.Describe(worker.Spec{SessionID: "s", Prompt: "two words"})
	require.NoError(t, err)
	assert.Equal(t, `claude --session-id s "two words"`, desc)
}

func TestArgvErrors(t *testing.T) {
	_, err := worker.NewExecLauncher(nil, nil, "", nil).Argv(worker.Spec{})
	require.Error(t, err)
	_, err = worker.NewExecLauncher([]string{"{{.Nope}}"}, nil, "", nil).Argv(worker.Spec{})
	require.Error(t, err)
}

func newShell(script string) (*worker.ExecLauncher, *bytes.Buffer) {
	var out bytes.Buffer
	l := worker.NewExecLauncher([]string{"/bin/sh", "-c", script}, map[string]string{"EXTRA": "x"}, "", nil)
	l.Stdin = nil
	l.Stdout = &out
	l.Stderr = &out
	return l, &out
}

func TestExecExitCodeAndEnv(t *testing.T) {
	l, out := newShell(`echo "$STORYLINE_UNIT $STORYLINE_PHASE $STORYLINE_SESSION $EXTRA"; exit 3`)
	p, err := l.Start(context.Background(), worker.Spec{UnitID: "1-2", Phase: domain.PhaseCreate, SessionID: "abc"})
	require.NoError(t, err)
	assert.Positive(t, p.PID())

	select {
	case ex := <-p.Done():
		assert.Equal(t, 3, ex.Code)
		assert.False(t, ex.Signaled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Equal(t, "1-2 create abc x\n", out.String())
}

func TestExecTerminate(t *testing.T) {
	l, _ := newShell(`sleep 30`)
	p, err := l.Start(context.Background(), worker.Spec{UnitID: "1-2"})
	require.NoError(t, err)

	require.NoError(t, p.Terminate(time.Second))
	ex, ok := <-p.Done()
	require.True(t, ok)
	assert.True(t, ex.Signaled)
	assert.Equal(t, 128+15, ex.Code)
	require.NoError(t, p.Terminate(time.Second))
}

func TestExecTerminateStopsProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "helper.pid")
	l, _ := newShell(`sleep 30 & echo $! > "$PIDFILE"; wait`)
	l.Env["PIDFILE"] = pidFile
	p, err := l.Start(context.Background(), worker.Spec{UnitID: "1-2"})
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pgid(t, p.PID()))

	var helper int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		helper, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, p.PID(), pgid(t, helper))

	require.NoError(t, p.Terminate(time.Second))
	<-p.Done()
	assert.Eventually(t, func() bool { return gone(helper) }, 5*time.Second, 20*time.Millisecond, "helper %d outlived the worker", helper)
}

func pgid(t *testing.T, pid int) int {
	t.Helper()
	g, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	return g
}

// gone reports whether pid no longer runs. A zombie waiting for its new
// parent to reap it counts as gone.
func gone(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] == 'Z'
	}
	return false
}
