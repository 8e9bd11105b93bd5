// Package worker starts the external agent process that performs a phase.
// The orchestrator only needs a pid, an exit notification and a way to stop
// it; what the process does is opaque.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/template"
	"time"

	"storyline/internal/domain"
)

const yoloSuffix = " #yolo mode: skip all prompts, auto-fix all issues"

// Spec describes one worker invocation.
type Spec struct {
	UnitID          string
	Phase           domain.Phase
	Workflow        string
	Prompt          string
	SessionID       string
	ResumeSessionID string
}

// Prompt is the instruction handed to the worker for a workflow.
func Prompt(workflow, unitID string, yolo bool) string {
	p := fmt.Sprintf("/%s for story %s", workflow, unitID)
	if yolo {
		p += yoloSuffix
	}
	return p
}

// Exit describes how a worker ended.
type Exit struct {
	Code     int
	Signaled bool
	Err      error
}

type Process interface {
	PID() int
	// Done delivers exactly one Exit and is then closed.
	Done() <-chan Exit
	// Terminate asks the process to stop and kills it after grace.
	Terminate(grace time.Duration) error
}

type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
	// Describe renders the command line without starting anything.
	Describe(spec Spec) (string, error)
}

// ExecLauncher runs Command, a list of text/template argv entries rendered
// against Spec. Entries rendering to an empty string are dropped.
type ExecLauncher struct {
	Command []string
	Env     map[string]string
	Dir     string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	logger  *slog.Logger
}

func NewExecLauncher(command []string, env map[string]string, dir string, logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecLauncher{
		Command: command,
		Env:     env,
		Dir:     dir,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		logger:  logger.With("component", "worker"),
	}
}

// Argv renders the command templates for spec.
func (l *ExecLauncher) Argv(spec Spec) ([]string, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	argv := make([]string, 0, len(l.Command))
	for i, raw := range l.Command {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("worker command arg %d: %w", i, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, spec); err != nil {
			return nil, fmt.Errorf("worker command arg %d: %w", i, err)
		}
		if buf.Len() == 0 {
			continue
		}
		argv = append(argv, buf.String())
	}
	if len(argv) == 0 {
		return nil, errors.New("worker command rendered empty")
	}
	return argv, nil
}

func (l *ExecLauncher) Describe(spec Spec) (string, error) {
	argv, err := l.Argv(spec)
	if err != nil {
		return "", err
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " "), nil
}

// Start spawns the worker in its own process group without waiting for it.
// The process is not tied to ctx; callers stop it through Terminate, which
// signals the whole group.
func (l *ExecLauncher) Start(ctx context.Context, spec Spec) (Process, error) {
	argv, err := l.Argv(spec)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.Dir
	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Env = append(os.Environ(), l.environ(spec)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", argv[0], err)
	}
	l.logger.Info("worker started", "unit", spec.UnitID, "phase", spec.Phase, "pid", cmd.Process.Pid, "session", spec.SessionID)

	p := &execProcess{cmd: cmd, done: make(chan Exit, 1), exited: make(chan struct{})}
	go p.wait()
	return p, nil
}

func (l *ExecLauncher) environ(spec Spec) []string {
	keys := make([]string, 0, len(l.Env))
	for k := range l.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+3)
	for _, k := range keys {
		env = append(env, k+"="+l.Env[k])
	}
	return append(env,
		"STORYLINE_UNIT="+spec.UnitID,
		"STORYLINE_PHASE="+string(spec.Phase),
		"STORYLINE_SESSION="+spec.SessionID,
	)
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan Exit
	exited chan struct{}
	once   sync.Once
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan Exit { return p.done }

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	ex := Exit{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		ex.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ex.Signaled = true
			ex.Code = 128 + int(ws.Signal())
		}
	default:
		ex.Code = -1
		ex.Err = err
	}
	p.done <- ex
	close(p.done)
	close(p.exited)
}

// signal delivers sig to the worker's process group so helpers it spawned
// stop with it.
func (p *execProcess) signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *execProcess) Terminate(grace time.Duration) error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		err = p.signal(syscall.SIGTERM)
		select {
		case <-p.exited:
			return
		case <-time.After(grace):
		}
		if killErr := p.signal(syscall.SIGKILL); killErr != nil {
			err = killErr
		}
		<-p.exited
	})
	return err
}
