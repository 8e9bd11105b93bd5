// Package registry records which instance is working on which unit. Records
// live one file per unit in a shared directory so every instance can see
// every claim; liveness is judged from heartbeats.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyline/internal/domain"
	"storyline/internal/fsutil"
)

var (
	ErrNotFound = errors.New("dispatch record not found")
	// ErrNotStale means the record is still live and cannot be reclaimed.
	ErrNotStale = errors.New("dispatch record is not stale")
	// ErrNotOwner means the unit's record now belongs to another dispatch.
	ErrNotOwner = errors.New("dispatch record owned by another dispatch")
)

// AlreadyClaimedError reports a live claim held by another dispatch.
type AlreadyClaimedError struct {
	UnitID     string
	Owner      string
	DispatchID string
	Stale      bool
}

func (e *AlreadyClaimedError) Error() string {
	msg := fmt.Sprintf("unit %s already claimed by %s (dispatch %s)", e.UnitID, e.Owner, e.DispatchID)
	if e.Stale {
		msg += "; record is stale, use restart to reclaim"
	}
	return msg
}

func IsAlreadyClaimed(err error) bool {
	var ac *AlreadyClaimedError
	return errors.As(err, &ac)
}

type Registry struct {
	Dir        string
	StaleAfter time.Duration
	Now        func() time.Time
	logger     *slog.Logger
}

func New(dir string, staleAfter time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		Dir:        dir,
		StaleAfter: staleAfter,
		Now:        time.Now,
		logger:     logger.With("component", "registry"),
	}
}

func (r *Registry) path(unitID string) (string, error) {
	if unitID == "" || strings.ContainsAny(unitID, `/\`) || strings.HasPrefix(unitID, ".") {
		return "", fmt.Errorf("invalid unit id %q", unitID)
	}
	return filepath.Join(r.Dir, unitID+".json"), nil
}

func (r *Registry) now() time.Time { return r.Now().UTC() }

// Stale reports whether rec is an active claim whose heartbeat has lapsed.
func (r *Registry) Stale(rec domain.DispatchRecord) bool {
	return rec.Stale(r.now(), r.StaleAfter)
}

// Claim takes unitID for instance. A live or stale active claim by someone
// else fails with AlreadyClaimedError; a finished record is replaced.
func (r *Registry) Claim(unitID, instance string, phase domain.Phase) (domain.DispatchRecord, error) {
	path, err := r.path(unitID)
	if err != nil {
		return domain.DispatchRecord{}, err
	}
	rec := r.newRecord(unitID, instance, phase)
	for attempt := 0; attempt < 3; attempt++ {
		err := fsutil.CreateJSONExclusive(path, rec)
		if err == nil {
			r.logger.Info("unit claimed", "unit", unitID, "dispatch_id", rec.DispatchID, "instance", instance)
			return rec, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return domain.DispatchRecord{}, fmt.Errorf("claim %s: %w", unitID, err)
		}
		var cur domain.DispatchRecord
		if err := fsutil.ReadJSON(path, &cur); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return domain.DispatchRecord{}, fmt.Errorf("claim %s: %w", unitID, err)
		}
		if cur.State.Active() {
			return domain.DispatchRecord{}, &AlreadyClaimedError{
				UnitID:     unitID,
				Owner:      cur.Instance,
				DispatchID: cur.DispatchID,
				Stale:      r.Stale(cur),
			}
		}
		if err := r.replace(path, cur, rec); err != nil {
			if errors.Is(err, errRaced) {
				continue
			}
			return domain.DispatchRecord{}, err
		}
		r.logger.Info("unit claimed", "unit", unitID, "dispatch_id", rec.DispatchID, "instance", instance, "replaced", cur.DispatchID)
		return rec, nil
	}
	return domain.DispatchRecord{}, fmt.Errorf("claim %s: record kept changing", unitID)
}

func (r *Registry) newRecord(unitID, instance string, phase domain.Phase) domain.DispatchRecord {
	now := r.now()
	return domain.DispatchRecord{
		DispatchID:    uuid.NewString(),
		UnitID:        unitID,
		Instance:      instance,
		StartedAt:     now,
		LastHeartbeat: now,
		State:         domain.DispatchClaimed,
		Phase:         phase,
	}
}

var errRaced = errors.New("record replaced concurrently")

// replace swaps old for next at path. The old record is first renamed aside,
// so of several concurrent replacers only one can move it; the loser sees
// errRaced. A record that changed since it was read is put back.
func (r *Registry) replace(path string, old, next domain.DispatchRecord) error {
	aside := path + "." + next.DispatchID + ".old"
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errRaced
		}
		return fmt.Errorf("reclaim %s: %w", old.UnitID, err)
	}
	defer os.Remove(aside)

	var moved domain.DispatchRecord
	if err := fsutil.ReadJSON(aside, &moved); err != nil {
		return fmt.Errorf("reclaim %s: %w", old.UnitID, err)
	}
	if moved.DispatchID != old.DispatchID {
		if err := os.Link(aside, path); err != nil && !errors.Is(err, os.ErrExist) {
			r.logger.Error("could not restore concurrently replaced record", "unit", old.UnitID, "err", err)
		}
		return errRaced
	}
	if err := fsutil.CreateJSONExclusive(path, next); err != nil {
		if errors.Is(err, os.ErrExist) {
			return errRaced
		}
		return fmt.Errorf("reclaim %s: %w", old.UnitID, err)
	}
	return nil
}

// Get returns the record for a unit.
func (r *Registry) Get(unitID string) (domain.DispatchRecord, error) {
	var rec domain.DispatchRecord
	path, err := r.path(unitID)
	if err != nil {
		return rec, err
	}
	if err := fsutil.ReadJSON(path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, fmt.Errorf("%w: unit %s", ErrNotFound, unitID)
		}
		return rec, err
	}
	return rec, nil
}

// List returns every record ordered by unit id.
func (r *Registry) List() ([]domain.DispatchRecord, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []domain.DispatchRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec domain.DispatchRecord
		if err := fsutil.ReadJSON(filepath.Join(r.Dir, name), &rec); err != nil {
			r.logger.Warn("skipping unreadable dispatch record", "file", name, "err", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

// Audit lists active records whose heartbeat is older than the threshold.
func (r *Registry) Audit() ([]domain.DispatchRecord, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var stale []domain.DispatchRecord
	for _, rec := range all {
		if r.Stale(rec) {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}

// Claimed returns the units with an active record, stale or not. Planning
// skips them: a stale claim is only taken over through Restart.
func (r *Registry) Claimed() (map[string]domain.DispatchRecord, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	out := map[string]domain.DispatchRecord{}
	for _, rec := range all {
		if rec.State.Active() {
			out[rec.UnitID] = rec
		}
	}
	return out, nil
}

// Find looks a record up by dispatch id.
func (r *Registry) Find(dispatchID string) (domain.DispatchRecord, error) {
	all, err := r.List()
	if err != nil {
		return domain.DispatchRecord{}, err
	}
	for _, rec := range all {
		if rec.DispatchID == dispatchID {
			return rec, nil
		}
	}
	return domain.DispatchRecord{}, fmt.Errorf("%w: %s", ErrNotFound, dispatchID)
}

// update applies fn to the record of unitID if it still belongs to
// dispatchID. The record is renamed aside while fn runs, so a takeover that
// landed first is seen in the moved copy and one that races the write back
// finds the path taken.
func (r *Registry) update(unitID, dispatchID string, fn func(*domain.DispatchRecord)) (domain.DispatchRecord, error) {
	path, err := r.path(unitID)
	if err != nil {
		return domain.DispatchRecord{}, err
	}
	aside := path + "." + uuid.NewString() + ".upd"
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := r.Get(unitID)
		if err != nil {
			return cur, err
		}
		if cur.DispatchID != dispatchID {
			return cur, fmt.Errorf("%w: unit %s now held by %s", ErrNotOwner, unitID, cur.DispatchID)
		}
		if err := os.Rename(path, aside); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return cur, fmt.Errorf("update %s: %w", unitID, err)
		}
		return r.rewrite(path, aside, dispatchID, fn)
	}
	return domain.DispatchRecord{}, fmt.Errorf("update %s: record kept changing", unitID)
}

func (r *Registry) rewrite(path, aside, dispatchID string, fn func(*domain.DispatchRecord)) (domain.DispatchRecord, error) {
	defer os.Remove(aside)
	restore := func() {
		if err := os.Link(aside, path); err != nil && !errors.Is(err, os.ErrExist) {
			r.logger.Error("could not restore dispatch record", "path", path, "err", err)
		}
	}
	var rec domain.DispatchRecord
	if err := fsutil.ReadJSON(aside, &rec); err != nil {
		restore()
		return rec, err
	}
	if rec.DispatchID != dispatchID {
		restore()
		return rec, fmt.Errorf("%w: unit %s now held by %s", ErrNotOwner, rec.UnitID, rec.DispatchID)
	}
	fn(&rec)
	if err := fsutil.CreateJSONExclusive(path, rec); err != nil {
		if errors.Is(err, os.ErrExist) {
			return rec, fmt.Errorf("%w: unit %s claimed during update", ErrNotOwner, rec.UnitID)
		}
		restore()
		return rec, fmt.Errorf("update %s: %w", rec.UnitID, err)
	}
	return rec, nil
}

// Heartbeat refreshes the liveness timestamp of a claim.
func (r *Registry) Heartbeat(rec domain.DispatchRecord) (domain.DispatchRecord, error) {
	return r.update(rec.UnitID, rec.DispatchID, func(d *domain.DispatchRecord) {
		d.LastHeartbeat = r.now()
	})
}

// SetState moves a claim to state, recording phase and pid when set.
func (r *Registry) SetState(rec domain.DispatchRecord, state domain.DispatchState, phase domain.Phase, pid int) (domain.DispatchRecord, error) {
	if !state.Valid() {
		return rec, fmt.Errorf("invalid dispatch state %q", state)
	}
	return r.update(rec.UnitID, rec.DispatchID, func(d *domain.DispatchRecord) {
		d.State = state
		d.LastHeartbeat = r.now()
		if phase != "" {
			d.Phase = phase
		}
		if pid != 0 {
			d.PID = pid
		}
	})
}

// Release marks a claim finished. The record stays visible until it is
// cleared or a later claim replaces it.
func (r *Registry) Release(rec domain.DispatchRecord, final domain.DispatchState) (domain.DispatchRecord, error) {
	if final.Active() {
		return rec, fmt.Errorf("release needs a final state, got %s", final)
	}
	return r.SetState(rec, final, "", 0)
}

// Restart reclaims a stale or finished dispatch for instance.
func (r *Registry) Restart(dispatchID, instance string) (domain.DispatchRecord, error) {
	old, err := r.Find(dispatchID)
	if err != nil {
		return domain.DispatchRecord{}, err
	}
	if old.State.Active() && !r.Stale(old) {
		return domain.DispatchRecord{}, fmt.Errorf("%w: %s last heartbeat %s", ErrNotStale, dispatchID, old.LastHeartbeat.Format(time.RFC3339))
	}
	path, _ := r.path(old.UnitID)
	next := r.newRecord(old.UnitID, instance, old.Phase)
	next.Reclaims = old.Reclaims + 1
	if err := r.replace(path, old, next); err != nil {
		if errors.Is(err, errRaced) {
			return domain.DispatchRecord{}, fmt.Errorf("%w: %s was reclaimed concurrently", ErrNotFound, dispatchID)
		}
		return domain.DispatchRecord{}, err
	}
	r.logger.Warn("stale dispatch reclaimed", "unit", old.UnitID, "old_dispatch", dispatchID, "dispatch_id", next.DispatchID, "previous_instance", old.Instance)
	return next, nil
}

// Clear removes a unit's record. Live claims are only removed with force.
func (r *Registry) Clear(unitID string, force bool) error {
	rec, err := r.Get(unitID)
	if err != nil {
		return err
	}
	if rec.State.Active() && !r.Stale(rec) && !force {
		return fmt.Errorf("%w: %s is held by %s", ErrNotStale, unitID, rec.Instance)
	}
	path, _ := r.path(unitID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	r.logger.Info("dispatch record cleared", "unit", unitID, "dispatch_id", rec.DispatchID, "forced", force)
	return nil
}
