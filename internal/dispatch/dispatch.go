// Package dispatch runs one phase of one unit: it moves the unit to its
// working status, locks it, starts the worker and waits for the completion
// signal, the worker's exit, a blocked status, the timeout or cancellation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"storyline/internal/domain"
	"storyline/internal/signal"
	"storyline/internal/status"
	"storyline/internal/worker"
)

// Store is the part of the status store the dispatcher needs.
type Store interface {
	Load() (*status.Snapshot, error)
	Save(snap *status.Snapshot, unitID string, st domain.UnitStatus) (*status.Snapshot, error)
}

// EventSink receives journal events. Implementations must not fail the
// caller.
type EventSink interface {
	Record(ctx context.Context, evtType, unitID string, phase domain.Phase, payload map[string]any)
}

type Options struct {
	PollInterval   time.Duration
	TerminateGrace time.Duration
	DryRun         bool
	Yolo           bool
	// ResumeDevelop lets a develop phase on an in-progress unit continue the
	// previous develop session. Review never resumes.
	ResumeDevelop bool
	Instance      string
}

type Dispatcher struct {
	Store    Store
	Signals  *signal.Protocol
	Launcher worker.Launcher
	Events   EventSink
	Tracer   trace.Tracer
	Opts     Options
	Now      func() time.Time

	logger   *slog.Logger
	mu       sync.Mutex
	sessions map[string]string
}

func New(store Store, signals *signal.Protocol, launcher worker.Launcher, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 10 * time.Second
	}
	return &Dispatcher{
		Store:    store,
		Signals:  signals,
		Launcher: launcher,
		Tracer:   noop.NewTracerProvider().Tracer("dispatch"),
		Opts:     opts,
		Now:      time.Now,
		logger:   logger.With("component", "dispatch"),
		sessions: map[string]string{},
	}
}

func (d *Dispatcher) record(ctx context.Context, evtType string, a domain.Action, payload map[string]any) {
	if d.Events == nil {
		return
	}
	d.Events.Record(ctx, evtType, a.UnitID, a.Phase, payload)
}

// session picks the worker identity for a phase.
func (d *Dispatcher) session(a domain.Action) (id, resume string) {
	id = uuid.NewString()
	if a.Phase != domain.PhaseDevelop || a.FromStatus != domain.StatusInProgress || !d.Opts.ResumeDevelop {
		return id, ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return id, d.sessions[a.UnitID]
}

func (d *Dispatcher) remember(a domain.Action, spec worker.Spec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch a.Phase {
	case domain.PhaseDevelop:
		if spec.ResumeSessionID != "" {
			d.sessions[a.UnitID] = spec.ResumeSessionID
			return
		}
		d.sessions[a.UnitID] = spec.SessionID
	case domain.PhaseCreate:
		delete(d.sessions, a.UnitID)
	}
}

// Dispatch runs action against snap and blocks until the phase ends. Every
// non-success outcome returns a typed error next to a filled result.
func (d *Dispatcher) Dispatch(ctx context.Context, snap *status.Snapshot, a domain.Action, timeout time.Duration) (res domain.ExecutionResult, err error) {
	ctx, span := d.Tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.String("unit.id", a.UnitID),
		attribute.String("phase", string(a.Phase)),
		attribute.String("from_status", string(a.FromStatus)),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := d.Now()
	res = domain.ExecutionResult{UnitID: a.UnitID, Phase: a.Phase, FromStatus: a.FromStatus}
	finish := func(o domain.Outcome, msg string) {
		res.Outcome = o
		res.Message = msg
		res.Duration = d.Now().Sub(start)
	}

	sessionID, resume := d.session(a)
	spec := worker.Spec{
		UnitID:          a.UnitID,
		Phase:           a.Phase,
		Workflow:        a.Workflow,
		Prompt:          worker.Prompt(a.Workflow, a.UnitID, d.Opts.Yolo),
		SessionID:       sessionID,
		ResumeSessionID: resume,
	}
	res.SessionID = sessionID

	if d.Opts.DryRun {
		line, err := d.Launcher.Describe(spec)
		if err != nil {
			finish(domain.OutcomeFailed, err.Error())
			return res, err
		}
		finish(domain.OutcomeDryRun, "would run: "+line)
		return res, nil
	}

	cur, ok := snap.Status(a.UnitID)
	if !ok {
		err := fmt.Errorf("%w: %s", status.ErrUnknownUnit, a.UnitID)
		finish(domain.OutcomeFailed, err.Error())
		return res, err
	}
	if cur.Status != a.FromStatus {
		err := fmt.Errorf("%s is %s, action expects %s", a.UnitID, cur, a.FromStatus)
		finish(domain.OutcomeFailed, err.Error())
		return res, err
	}

	// A leftover lock means another phase may still be running; the unit
	// must not be moved into its working status.
	if _, err := d.Signals.ReadLock(a.UnitID); err == nil {
		err := fmt.Errorf("%w: %s", signal.ErrLockHeld, a.UnitID)
		finish(domain.OutcomeFailed, err.Error())
		return res, err
	} else if !errors.Is(err, signal.ErrNoLock) {
		finish(domain.OutcomeFailed, err.Error())
		return res, err
	}

	var moved *status.Snapshot
	working := a.Phase.WorkingStatus(a.FromStatus)
	if working != a.FromStatus {
		next, err := d.Store.Save(snap, a.UnitID, domain.StatusOf(working))
		if err != nil {
			finish(domain.OutcomeFailed, err.Error())
			return res, err
		}
		moved = next
		d.record(ctx, domain.EventStatusChanged, a, map[string]any{"from": a.FromStatus, "to": working})
	}

	if err := d.Signals.ClearSignal(a.UnitID); err != nil {
		d.logger.Warn("could not clear leftover signal", "unit", a.UnitID, "err", err)
	}
	if err := d.Signals.CreateLock(domain.LockRecord{
		UnitID:         a.UnitID,
		StartingStatus: a.FromStatus,
		Phase:          a.Phase,
		Instance:       d.Opts.Instance,
	}); err != nil {
		if moved != nil {
			if _, rerr := d.Store.Save(moved, a.UnitID, domain.StatusOf(a.FromStatus)); rerr != nil {
				d.logger.Error("could not restore status after lock failure", "unit", a.UnitID, "status", a.FromStatus, "err", rerr)
			} else {
				d.record(ctx, domain.EventStatusChanged, a, map[string]any{"from": working, "to": a.FromStatus, "reason": "lock failed"})
			}
		}
		finish(domain.OutcomeFailed, err.Error())
		return res, err
	}
	defer func() {
		if err := d.Signals.RemoveLock(a.UnitID); err != nil {
			d.logger.Error("could not remove lock", "unit", a.UnitID, "err", err)
		}
	}()

	proc, err := d.Launcher.Start(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			finish(domain.OutcomeAborted, "cancelled before the worker started")
			d.record(ctx, domain.EventDispatchAborted, a, nil)
			return res, fmt.Errorf("%s %s: %w", a.UnitID, a.Phase, ErrAborted)
		}
		perr := &ProcessError{UnitID: a.UnitID, Phase: a.Phase, ExitCode: -1, Err: err}
		finish(domain.OutcomeFailed, perr.Error())
		d.record(ctx, domain.EventDispatchFailed, a, map[string]any{"reason": perr.Error()})
		return res, perr
	}
	if err := d.Signals.SetWorkerPID(a.UnitID, proc.PID()); err != nil {
		d.logger.Warn("could not record worker pid on lock", "unit", a.UnitID, "err", err)
	}
	span.SetAttributes(attribute.Int("worker.pid", proc.PID()), attribute.String("session.id", sessionID))
	d.logger.Info("phase dispatched", "unit", a.UnitID, "phase", a.Phase, "pid", proc.PID(), "timeout", timeout)
	d.record(ctx, domain.EventDispatchStarted, a, map[string]any{
		"pid":     proc.PID(),
		"session": sessionID,
		"resume":  resume,
		"timeout": timeout.String(),
	})

	return d.supervise(ctx, a, spec, proc, timeout, &res, finish)
}

// supervise is the only blocking point of a dispatch.
func (d *Dispatcher) supervise(ctx context.Context, a domain.Action, spec worker.Spec, proc worker.Process, timeout time.Duration, res *domain.ExecutionResult, finish func(domain.Outcome, string)) (domain.ExecutionResult, error) {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	wake := d.Signals.Watch(watchCtx)

	ticker := time.NewTicker(d.Opts.PollInterval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	stop := func() {
		if err := proc.Terminate(d.Opts.TerminateGrace); err != nil {
			d.logger.Warn("terminate worker", "unit", a.UnitID, "pid", proc.PID(), "err", err)
		}
	}
	succeed := func(sig domain.SignalRecord, how string) (domain.ExecutionResult, error) {
		res.ToStatus = sig.ToStatus
		finish(domain.OutcomeSuccess, how)
		d.remember(a, spec)
		d.logger.Info("phase complete", "unit", a.UnitID, "phase", a.Phase, "from", sig.FromStatus, "to", sig.ToStatus)
		d.record(ctx, domain.EventDispatchSucceeded, a, map[string]any{
			"from":        sig.FromStatus,
			"to":          sig.ToStatus,
			"duration_ms": res.Duration.Milliseconds(),
		})
		return *res, nil
	}
	checkSignal := func() (domain.SignalRecord, bool) {
		sig, ok, err := d.Signals.ConsumeSignal(a.UnitID)
		if err != nil {
			d.logger.Warn("read signal", "unit", a.UnitID, "err", err)
			return sig, false
		}
		return sig, ok
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			finish(domain.OutcomeAborted, "cancelled; unit left in its working status")
			d.logger.Warn("dispatch aborted", "unit", a.UnitID, "phase", a.Phase)
			d.record(context.WithoutCancel(ctx), domain.EventDispatchAborted, a, nil)
			return *res, fmt.Errorf("%s %s: %w", a.UnitID, a.Phase, ErrAborted)

		case ex := <-proc.Done():
			code := ex.Code
			res.ExitCode = &code
			if sig, ok := checkSignal(); ok {
				return succeed(sig, "completion signalled")
			}
			if ex.Code != 0 || ex.Err != nil {
				perr := &ProcessError{UnitID: a.UnitID, Phase: a.Phase, ExitCode: ex.Code, Err: ex.Err}
				finish(domain.OutcomeFailed, perr.Error())
				d.logger.Warn("worker failed", "unit", a.UnitID, "phase", a.Phase, "exit_code", ex.Code)
				d.record(ctx, domain.EventDispatchFailed, a, map[string]any{"exit_code": ex.Code, "reason": perr.Error()})
				return *res, perr
			}
			// A clean exit without a signal still ends the phase; the
			// lifecycle retry counter catches a worker that made no progress.
			to := a.FromStatus
			if snap, err := d.Store.Load(); err == nil {
				if st, ok := snap.Status(a.UnitID); ok {
					to = st.Status
				}
			}
			return succeed(domain.SignalRecord{UnitID: a.UnitID, FromStatus: a.FromStatus, ToStatus: to}, "worker exited")

		case <-deadline:
			stop()
			terr := &TimeoutError{UnitID: a.UnitID, Phase: a.Phase, Timeout: timeout}
			finish(domain.OutcomeTimeout, terr.Error())
			d.logger.Warn("dispatch timed out", "unit", a.UnitID, "phase", a.Phase, "timeout", timeout)
			d.record(ctx, domain.EventDispatchTimeout, a, map[string]any{"timeout": timeout.String()})
			return *res, terr

		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if sig, ok := checkSignal(); ok {
				stop()
				return succeed(sig, "completion signalled")
			}

		case <-ticker.C:
			if sig, ok := checkSignal(); ok {
				stop()
				return succeed(sig, "completion signalled")
			}
			if berr := d.blocked(a); berr != nil {
				stop()
				finish(domain.OutcomeBlocked, berr.Error())
				res.ToStatus = domain.StatusBlocked
				d.logger.Warn("unit blocked by worker", "unit", a.UnitID, "phase", a.Phase, "reason", berr.Reason)
				d.record(ctx, domain.EventDispatchBlocked, a, map[string]any{"reason": berr.Reason})
				return *res, berr
			}
		}
	}
}

func (d *Dispatcher) blocked(a domain.Action) *BlockedError {
	snap, err := d.Store.Load()
	if err != nil {
		// The worker may be mid-edit; try again next tick.
		d.logger.Debug("status poll failed", "unit", a.UnitID, "err", err)
		return nil
	}
	st, ok := snap.Status(a.UnitID)
	if !ok || st.Status != domain.StatusBlocked {
		return nil
	}
	return &BlockedError{UnitID: a.UnitID, Phase: a.Phase, Reason: st.Reason}
}

// IsDispatchError reports whether err is one of the per-unit outcomes that a
// group run records and moves past.
func IsDispatchError(err error) bool {
	var (
		te *TimeoutError
		be *BlockedError
		pe *ProcessError
	)
	return errors.As(err, &te) || errors.As(err, &be) || errors.As(err, &pe)
}
