package signal

import (
	"context"
	"log/slog"

	"storyline/internal/domain"
	"storyline/internal/status"
)

// StatusReader is the read half of the status store.
type StatusReader interface {
	Load() (*status.Snapshot, error)
}

// Observer is the completion hook. It runs whenever a worker goes idle and
// writes a signal for every locked unit whose status moved away from the
// lock's starting status. It never removes locks.
type Observer struct {
	Protocol *Protocol
	Store    StatusReader
	logger   *slog.Logger
}

func NewObserver(p *Protocol, store StatusReader, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{Protocol: p, Store: store, logger: logger.With("component", "hook")}
}

// Observe checks every lock, or only unitID when it is non-empty, and returns
// the signals it wrote.
func (o *Observer) Observe(ctx context.Context, unitID string) ([]domain.SignalRecord, error) {
	var locks []domain.LockRecord
	if unitID != "" {
		rec, err := o.Protocol.ReadLock(unitID)
		if err != nil {
			return nil, err
		}
		locks = []domain.LockRecord{rec}
	} else {
		all, err := o.Protocol.ListLocks()
		if err != nil {
			return nil, err
		}
		locks = all
	}
	if len(locks) == 0 {
		return nil, nil
	}
	snap, err := o.Store.Load()
	if err != nil {
		return nil, err
	}
	var written []domain.SignalRecord
	for _, lock := range locks {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		cur, ok := snap.Status(lock.UnitID)
		if !ok {
			o.logger.Warn("locked unit missing from status document", "unit", lock.UnitID)
			continue
		}
		if cur.Status == lock.StartingStatus {
			continue
		}
		rec := domain.SignalRecord{
			UnitID:     lock.UnitID,
			FromStatus: lock.StartingStatus,
			ToStatus:   cur.Status,
			Timestamp:  o.Protocol.Now().UTC(),
		}
		ok, err := o.Protocol.WriteSignal(rec)
		if err != nil {
			return written, err
		}
		if ok {
			written = append(written, rec)
		}
	}
	return written, nil
}
