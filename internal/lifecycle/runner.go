// Package lifecycle drives units through repeated plan and dispatch cycles
// until they are done or need a human.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"storyline/internal/dispatch"
	"storyline/internal/domain"
	"storyline/internal/planner"
	"storyline/internal/registry"
	"storyline/internal/signal"
	"storyline/internal/status"
)

const (
	GroupOrderPerGroup = "per-group"
	GroupOrderGlobal   = "global"
)

// Store is the status store as seen by the runner.
type Store interface {
	Load() (*status.Snapshot, error)
	Save(snap *status.Snapshot, unitID string, st domain.UnitStatus) (*status.Snapshot, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, snap *status.Snapshot, a domain.Action, timeout time.Duration) (domain.ExecutionResult, error)
}

type Options struct {
	Instance          string
	Timeout           time.Duration
	RetryLimit        int
	MaxPhases         int
	MaxConflicts      int
	ContinueOnFailure bool
	GroupOrder        string
	GroupConcurrency  int
	HeartbeatInterval time.Duration
	DryRun            bool
}

type Runner struct {
	Store      Store
	Planner    planner.Planner
	Dispatcher Dispatcher
	Registry   *registry.Registry
	Signals    *signal.Protocol
	Events     dispatch.EventSink
	Tracer     trace.Tracer
	Opts       Options
	logger     *slog.Logger
}

func New(store Store, p planner.Planner, d Dispatcher, reg *registry.Registry, signals *signal.Protocol, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.MaxPhases <= 0 {
		opts.MaxPhases = 10
	}
	if opts.MaxConflicts <= 0 {
		opts.MaxConflicts = 5
	}
	if opts.GroupConcurrency <= 0 {
		opts.GroupConcurrency = 1
	}
	if opts.GroupOrder == "" {
		opts.GroupOrder = GroupOrderPerGroup
	}
	return &Runner{
		Store:      store,
		Planner:    p,
		Dispatcher: d,
		Registry:   reg,
		Signals:    signals,
		Tracer:     noop.NewTracerProvider().Tracer("lifecycle"),
		Opts:       opts,
		logger:     logger.With("component", "lifecycle"),
	}
}

func (r *Runner) record(ctx context.Context, evtType, unitID string, phase domain.Phase, payload map[string]any) {
	if r.Events != nil {
		r.Events.Record(ctx, evtType, unitID, phase, payload)
	}
}

// NoProgressReason is the reason recorded when the retry limit blocks a unit.
func NoProgressReason(attempts int) string {
	return fmt.Sprintf("no progress after %d attempts", attempts)
}

// RunUnit drives one story until it is done, blocked or needs intervention.
func (r *Runner) RunUnit(ctx context.Context, unitID string) (domain.UnitResult, error) {
	return r.runUnit(ctx, unitID, nil)
}

func (r *Runner) runUnit(ctx context.Context, unitID string, held *domain.DispatchRecord) (res domain.UnitResult, err error) {
	ctx, span := r.Tracer.Start(ctx, "lifecycle.RunUnit", trace.WithAttributes(attribute.String("unit.id", unitID)))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.Int("phases", len(res.Phases)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if held != nil && r.Registry != nil {
			if _, err := r.Registry.Release(*held, domain.DispatchDone); err != nil {
				r.logger.Debug("release unused claim", "unit", unitID, "err", err)
			}
		}
	}()

	res = domain.UnitResult{UnitID: unitID}
	var (
		prev      domain.Status
		same      int
		conflicts int
		phases    int
	)
	for phases < r.Opts.MaxPhases {
		if err := ctx.Err(); err != nil {
			res.Outcome = domain.OutcomeAborted
			res.Reason = "cancelled"
			return res, fmt.Errorf("%s: %w", unitID, dispatch.ErrAborted)
		}
		snap, err := r.Store.Load()
		if err != nil {
			return res, err
		}
		u, ok := snap.Unit(unitID)
		if !ok {
			return res, fmt.Errorf("%w: %s", status.ErrUnknownUnit, unitID)
		}
		if u.Kind != domain.KindStory {
			return res, fmt.Errorf("%s is a %s, not a story", unitID, u.Kind)
		}
		res.FinalStatus = u.Status.Status

		switch u.Status.Status {
		case domain.StatusDone:
			res.Outcome = domain.OutcomeDone
			r.logger.Info("unit done", "unit", unitID, "phases", len(res.Phases))
			r.record(ctx, domain.EventUnitCompleted, unitID, "", map[string]any{"phases": res.Phases})
			return res, nil
		case domain.StatusBlocked:
			return r.intervene(ctx, res, "", "blocked: "+u.Status.Reason), nil
		}

		if u.Status.Status == prev {
			same++
			if same >= r.Opts.RetryLimit {
				return r.blockNoProgress(ctx, res, same)
			}
		} else {
			same = 0
		}

		act := r.Planner.NextFor(snap, unitID)
		if act == nil {
			return r.intervene(ctx, res, "", "no action for status "+u.Status.String()), nil
		}
		prev = u.Status.Status

		exec, err := r.dispatchClaimed(ctx, snap, *act, held)
		held = nil
		res.Phase = act.Phase
		var (
			be *dispatch.BlockedError
			te *dispatch.TimeoutError
			pe *dispatch.ProcessError
		)
		switch {
		case err == nil && exec.Outcome == domain.OutcomeDryRun:
			res.Outcome = domain.OutcomeDryRun
			res.Reason = exec.Message
			return res, nil
		case err == nil:
			phases++
			res.Phases = append(res.Phases, act.Phase)
			if exec.ToStatus != "" {
				res.FinalStatus = exec.ToStatus
			}
		case status.IsConflict(err):
			conflicts++
			if conflicts > r.Opts.MaxConflicts {
				return res, err
			}
			r.logger.Info("status changed underneath, re-planning", "unit", unitID)
			prev = ""
		case registry.IsAlreadyClaimed(err):
			res.Outcome = domain.OutcomeClaimed
			res.Reason = err.Error()
			return res, err
		case errors.Is(err, dispatch.ErrAborted):
			res.Outcome = domain.OutcomeAborted
			res.Reason = "cancelled; unit left in its working status for later resumption"
			return res, err
		case errors.As(err, &be):
			res.Outcome = domain.OutcomeBlocked
			res.FinalStatus = domain.StatusBlocked
			res.Reason = be.Reason
			r.record(ctx, domain.EventUnitIntervention, unitID, act.Phase, map[string]any{"reason": be.Reason})
			return res, err
		case errors.As(err, &te):
			res.Outcome = domain.OutcomeTimeout
			res.Reason = te.Error()
			r.record(ctx, domain.EventUnitIntervention, unitID, act.Phase, map[string]any{"reason": res.Reason})
			return res, err
		case errors.As(err, &pe):
			// Retried through the no-progress counter.
			phases++
			r.logger.Warn("phase failed, retrying", "unit", unitID, "phase", act.Phase, "err", pe)
		default:
			return res, err
		}
	}
	return r.intervene(ctx, res, res.Phase, fmt.Sprintf("exceeded %d phases", r.Opts.MaxPhases)), nil
}

func (r *Runner) intervene(ctx context.Context, res domain.UnitResult, phase domain.Phase, reason string) domain.UnitResult {
	res.Outcome = domain.OutcomeIntervention
	res.Reason = reason
	if phase != "" {
		res.Phase = phase
	}
	r.logger.Warn("intervention needed", "unit", res.UnitID, "phase", res.Phase, "reason", reason)
	r.record(ctx, domain.EventUnitIntervention, res.UnitID, res.Phase, map[string]any{"reason": reason})
	return res
}

// blockNoProgress marks the unit blocked once the retry limit is spent.
func (r *Runner) blockNoProgress(ctx context.Context, res domain.UnitResult, attempts int) (domain.UnitResult, error) {
	reason := NoProgressReason(attempts)
	if r.Opts.DryRun {
		return r.intervene(ctx, res, "", reason), nil
	}
	for i := 0; i <= r.Opts.MaxConflicts; i++ {
		snap, err := r.Store.Load()
		if err != nil {
			return res, err
		}
		_, err = r.Store.Save(snap, res.UnitID, domain.Blocked(reason))
		if err == nil {
			res.FinalStatus = domain.StatusBlocked
			r.record(ctx, domain.EventStatusChanged, res.UnitID, res.Phase, map[string]any{"to": domain.StatusBlocked, "reason": reason})
			return r.intervene(ctx, res, "", reason), nil
		}
		if !status.IsConflict(err) {
			return res, err
		}
	}
	return res, fmt.Errorf("could not block %s: status document keeps changing", res.UnitID)
}

// dispatchClaimed wraps one dispatch in a registry claim kept alive by
// heartbeats. held, when set, is a claim the caller already owns.
func (r *Runner) dispatchClaimed(ctx context.Context, snap *status.Snapshot, act domain.Action, held *domain.DispatchRecord) (domain.ExecutionResult, error) {
	if r.Opts.DryRun || r.Registry == nil {
		return r.Dispatcher.Dispatch(ctx, snap, act, r.Opts.Timeout)
	}
	var rec domain.DispatchRecord
	if held != nil {
		rec = *held
	} else {
		claimed, err := r.Registry.Claim(act.UnitID, r.Opts.Instance, act.Phase)
		if err != nil {
			return domain.ExecutionResult{UnitID: act.UnitID, Phase: act.Phase, Outcome: domain.OutcomeClaimed, Message: err.Error()}, err
		}
		rec = claimed
	}
	if next, err := r.Registry.SetState(rec, domain.DispatchWorking, act.Phase, os.Getpid()); err == nil {
		rec = next
	} else {
		r.logger.Warn("could not mark claim working", "unit", act.UnitID, "err", err)
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lease := r.Registry.KeepAlive(dctx, rec, r.Opts.HeartbeatInterval)
	go func() {
		select {
		case <-lease.Lost():
			r.logger.Warn("claim taken over, stopping worker", "unit", act.UnitID)
			cancel()
		case <-dctx.Done():
		}
	}()

	exec, err := r.Dispatcher.Dispatch(dctx, snap, act, r.Opts.Timeout)
	last := lease.Stop()
	final := domain.DispatchDone
	if err != nil {
		final = domain.DispatchFailed
	}
	if _, rerr := r.Registry.Release(last, final); rerr != nil {
		r.logger.Debug("release claim", "unit", act.UnitID, "err", rerr)
	}
	return exec, err
}
