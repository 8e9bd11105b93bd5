package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"storyline/internal/dispatch"
	"storyline/internal/domain"
	"storyline/internal/registry"
	"storyline/internal/status"
)

// RunGroup runs the stories of a group one after another in ascending id
// order. Per-unit failures are recorded and, with ContinueOnFailure, the run
// moves on to the next story.
func (r *Runner) RunGroup(ctx context.Context, groupID string) (domain.GroupResult, error) {
	ctx, span := r.Tracer.Start(ctx, "lifecycle.RunGroup", trace.WithAttributes(attribute.String("group.id", groupID)))
	defer span.End()

	res := domain.GroupResult{GroupID: groupID}
	snap, err := r.Store.Load()
	if err != nil {
		return res, err
	}
	members := snap.Members(groupID)
	if len(members) == 0 {
		return res, fmt.Errorf("%w: no stories found for %s", status.ErrUnknownUnit, groupID)
	}
	ids := make([]string, len(members))
	for i, u := range members {
		ids[i] = u.ID
	}
	err = r.runSequence(ctx, ids, &res)
	span.SetAttributes(
		attribute.Int("completed", len(res.Completed)),
		attribute.Int("failed", len(res.Failed)),
		attribute.Int("skipped", len(res.Skipped)),
	)
	r.record(ctx, domain.EventGroupCompleted, "", "", map[string]any{
		"group":     groupID,
		"completed": res.Completed,
		"failed":    len(res.Failed),
		"skipped":   res.Skipped,
	})
	return res, err
}

func (r *Runner) runSequence(ctx context.Context, ids []string, res *domain.GroupResult) error {
	for i, id := range ids {
		if ctx.Err() != nil {
			res.Skipped = append(res.Skipped, ids[i:]...)
			return fmt.Errorf("%s: %w", res.GroupID, dispatch.ErrAborted)
		}
		ur, err := r.RunUnit(ctx, id)
		switch {
		case ur.Outcome == domain.OutcomeDone:
			res.Completed = append(res.Completed, id)
			continue
		case ur.Outcome == domain.OutcomeDryRun, ur.Outcome == domain.OutcomeClaimed:
			res.Skipped = append(res.Skipped, id)
			continue
		case errors.Is(err, dispatch.ErrAborted):
			res.Skipped = append(res.Skipped, ids[i:]...)
			return err
		case err != nil && !dispatch.IsDispatchError(err):
			return err
		}
		res.Failed = append(res.Failed, domain.GroupFailure{
			UnitID:  id,
			Phase:   ur.Phase,
			Outcome: ur.Outcome,
			Reason:  ur.Reason,
		})
		if !r.Opts.ContinueOnFailure {
			res.Skipped = append(res.Skipped, ids[i+1:]...)
			return nil
		}
	}
	return nil
}

// Next dispatches the single highest-priority action across the project,
// skipping units another dispatch holds.
func (r *Runner) Next(ctx context.Context) (domain.ExecutionResult, error) {
	skip := map[string]bool{}
	for attempt := 0; attempt <= r.Opts.MaxConflicts; attempt++ {
		snap, err := r.Store.Load()
		if err != nil {
			return domain.ExecutionResult{}, err
		}
		if r.Registry != nil {
			claimed, err := r.Registry.Claimed()
			if err != nil {
				return domain.ExecutionResult{}, err
			}
			for id := range claimed {
				skip[id] = true
			}
		}
		act := r.Planner.NextExcluding(snap, skip)
		if act == nil {
			return domain.ExecutionResult{Outcome: domain.OutcomeNothingToDo, Message: "nothing actionable"}, nil
		}
		exec, err := r.dispatchClaimed(ctx, snap, *act, nil)
		switch {
		case registry.IsAlreadyClaimed(err):
			skip[act.UnitID] = true
			continue
		case status.IsConflict(err):
			continue
		}
		return exec, err
	}
	return domain.ExecutionResult{}, errors.New("next: status document kept changing while planning")
}

// RunAll works through every group. With per-group ordering groups run in
// ascending id order, up to GroupConcurrency at once, each sequential inside.
// With global ordering units run one at a time in global priority order.
func (r *Runner) RunAll(ctx context.Context) ([]domain.GroupResult, error) {
	snap, err := r.Store.Load()
	if err != nil {
		return nil, err
	}
	if r.Opts.GroupOrder == GroupOrderGlobal {
		res, err := r.runGlobal(ctx)
		return []domain.GroupResult{res}, err
	}

	groups := groupIDs(snap)
	results := make([]domain.GroupResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Opts.GroupConcurrency)
	for i, gid := range groups {
		i, gid := i, gid
		g.Go(func() error {
			res, err := r.RunGroup(gctx, gid)
			results[i] = res
			if err != nil && !errors.Is(err, dispatch.ErrAborted) {
				return err
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("run-all: %w", dispatch.ErrAborted)
	}
	return results, err
}

func groupIDs(snap *status.Snapshot) []string {
	seen := map[string]bool{}
	for _, u := range snap.Stories() {
		if u.Status.Status == domain.StatusDone {
			continue
		}
		seen[u.Group] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// runGlobal repeatedly picks the globally highest-priority unit and runs it
// to completion. Units that end without finishing are not picked again.
func (r *Runner) runGlobal(ctx context.Context) (domain.GroupResult, error) {
	res := domain.GroupResult{GroupID: "*"}
	tried := map[string]bool{}
	for {
		if ctx.Err() != nil {
			return res, fmt.Errorf("run-all: %w", dispatch.ErrAborted)
		}
		snap, err := r.Store.Load()
		if err != nil {
			return res, err
		}
		act := r.Planner.NextExcluding(snap, tried)
		if act == nil {
			return res, nil
		}
		tried[act.UnitID] = true
		if err := r.runSequence(ctx, []string{act.UnitID}, &res); err != nil {
			return res, err
		}
		if len(res.Failed) > 0 && !r.Opts.ContinueOnFailure {
			return res, nil
		}
	}
}

// Restart reclaims a stale dispatch, clears the dead worker's lock and runs
// the unit again under the new claim.
func (r *Runner) Restart(ctx context.Context, dispatchID string) (domain.UnitResult, error) {
	if r.Registry == nil {
		return domain.UnitResult{}, errors.New("restart needs a dispatch registry")
	}
	rec, err := r.Registry.Restart(dispatchID, r.Opts.Instance)
	if err != nil {
		return domain.UnitResult{}, err
	}
	r.record(ctx, domain.EventClaimReclaimed, rec.UnitID, rec.Phase, map[string]any{
		"old_dispatch": dispatchID,
		"dispatch_id":  rec.DispatchID,
		"reclaims":     rec.Reclaims,
	})
	if r.Signals != nil {
		if err := r.Signals.RemoveLock(rec.UnitID); err != nil {
			r.logger.Warn("could not clear stale lock", "unit", rec.UnitID, "err", err)
		}
		if err := r.Signals.ClearSignal(rec.UnitID); err != nil {
			r.logger.Warn("could not clear stale signal", "unit", rec.UnitID, "err", err)
		}
	}
	return r.runUnit(ctx, rec.UnitID, &rec)
}
