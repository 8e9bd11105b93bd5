// Package signal implements the lock/signal file convention used to learn
// that a worker finished its phase. A lock records the status a unit had when
// its phase was dispatched; the completion hook writes a signal once the
// status moves away from it.
package signal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"storyline/internal/domain"
	"storyline/internal/fsutil"
)

var (
	// ErrLockHeld is returned when a unit already has a lock. Callers must
	// consult the dispatch registry before dispatching.
	ErrLockHeld = errors.New("unit already has a lock")
	ErrNoLock   = errors.New("no lock for unit")
)

const (
	locksDir   = "locks"
	signalsDir = "signals"
)

// Protocol reads and writes lock and signal files under Dir.
type Protocol struct {
	Dir    string
	Now    func() time.Time
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{Dir: dir, Now: time.Now, logger: logger.With("component", "signal")}
}

func (p *Protocol) LocksDir() string   { return filepath.Join(p.Dir, locksDir) }
func (p *Protocol) SignalsDir() string { return filepath.Join(p.Dir, signalsDir) }

func (p *Protocol) lockPath(unitID string) (string, error) {
	if err := checkID(unitID); err != nil {
		return "", err
	}
	return filepath.Join(p.LocksDir(), unitID+".json"), nil
}

func (p *Protocol) signalPath(unitID string) (string, error) {
	if err := checkID(unitID); err != nil {
		return "", err
	}
	return filepath.Join(p.SignalsDir(), unitID+".json"), nil
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid unit id %q", id)
	}
	return nil
}

// CreateLock writes rec as the unit's lock. It fails with ErrLockHeld when a
// lock already exists.
func (p *Protocol) CreateLock(rec domain.LockRecord) error {
	path, err := p.lockPath(rec.UnitID)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = p.Now().UTC()
	}
	if rec.OwnerPID == 0 {
		rec.OwnerPID = os.Getpid()
	}
	if err := fsutil.CreateJSONExclusive(path, rec); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrLockHeld, rec.UnitID)
		}
		return fmt.Errorf("create lock %s: %w", rec.UnitID, err)
	}
	p.logger.Debug("lock created", "unit", rec.UnitID, "starting_status", rec.StartingStatus)
	return nil
}

func (p *Protocol) ReadLock(unitID string) (domain.LockRecord, error) {
	var rec domain.LockRecord
	path, err := p.lockPath(unitID)
	if err != nil {
		return rec, err
	}
	if err := fsutil.ReadJSON(path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, fmt.Errorf("%w: %s", ErrNoLock, unitID)
		}
		return rec, fmt.Errorf("read lock %s: %w", unitID, err)
	}
	return rec, nil
}

// ListLocks returns every readable lock ordered by unit id. Unreadable files
// are skipped with a warning.
func (p *Protocol) ListLocks() ([]domain.LockRecord, error) {
	entries, err := os.ReadDir(p.LocksDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []domain.LockRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec domain.LockRecord
		if err := fsutil.ReadJSON(filepath.Join(p.LocksDir(), name), &rec); err != nil {
			p.logger.Warn("skipping unreadable lock", "file", name, "err", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (p *Protocol) update(unitID string, fn func(*domain.LockRecord)) error {
	rec, err := p.ReadLock(unitID)
	if err != nil {
		return err
	}
	fn(&rec)
	path, _ := p.lockPath(unitID)
	return fsutil.WriteJSONAtomic(path, rec)
}

// UpdateStartingStatus re-baselines the lock so the hook compares against st.
func (p *Protocol) UpdateStartingStatus(unitID string, st domain.Status) error {
	return p.update(unitID, func(r *domain.LockRecord) { r.StartingStatus = st })
}

// SetWorkerPID records the spawned worker on the lock.
func (p *Protocol) SetWorkerPID(unitID string, pid int) error {
	return p.update(unitID, func(r *domain.LockRecord) { r.WorkerPID = pid })
}

// RemoveLock deletes the unit's lock. A missing lock is not an error.
func (p *Protocol) RemoveLock(unitID string) error {
	path, err := p.lockPath(unitID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock %s: %w", unitID, err)
	}
	return nil
}

// WriteSignal records a phase completion. Only the first signal for a unit is
// kept until it is consumed; later writes report false.
func (p *Protocol) WriteSignal(rec domain.SignalRecord) (bool, error) {
	path, err := p.signalPath(rec.UnitID)
	if err != nil {
		return false, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = p.Now().UTC()
	}
	if err := fsutil.CreateJSONExclusive(path, rec); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("write signal %s: %w", rec.UnitID, err)
	}
	p.logger.Info("phase completion signalled", "unit", rec.UnitID, "from", rec.FromStatus, "to", rec.ToStatus)
	return true, nil
}

// ReadSignal returns the pending signal for a unit, if any.
func (p *Protocol) ReadSignal(unitID string) (domain.SignalRecord, bool, error) {
	var rec domain.SignalRecord
	path, err := p.signalPath(unitID)
	if err != nil {
		return rec, false, err
	}
	if err := fsutil.ReadJSON(path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, false, nil
		}
		return rec, false, fmt.Errorf("read signal %s: %w", unitID, err)
	}
	return rec, true, nil
}

// ConsumeSignal reads and deletes the pending signal.
func (p *Protocol) ConsumeSignal(unitID string) (domain.SignalRecord, bool, error) {
	rec, ok, err := p.ReadSignal(unitID)
	if err != nil || !ok {
		return rec, ok, err
	}
	if err := p.ClearSignal(unitID); err != nil {
		return rec, true, err
	}
	return rec, true, nil
}

// ClearSignal removes any pending signal for the unit.
func (p *Protocol) ClearSignal(unitID string) error {
	path, err := p.signalPath(unitID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear signal %s: %w", unitID, err)
	}
	return nil
}
