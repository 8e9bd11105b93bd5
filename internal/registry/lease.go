package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"storyline/internal/domain"
)

// Lease keeps a claim alive by heartbeating on a ticker until stopped.
type Lease struct {
	reg    *Registry
	mu     sync.Mutex
	rec    domain.DispatchRecord
	stopCh chan struct{}
	doneCh chan struct{}
	lost   chan struct{}
}

// KeepAlive starts heartbeating rec every interval. The lease ends when Stop
// is called, ctx ends, or the record is taken over; Lost is closed in the
// last case.
func (r *Registry) KeepAlive(ctx context.Context, rec domain.DispatchRecord, interval time.Duration) *Lease {
	if interval <= 0 {
		interval = r.StaleAfter / 4
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := &Lease{
		reg:    r,
		rec:    rec,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		lost:   make(chan struct{}),
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer close(l.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.mu.Lock()
				cur := l.rec
				l.mu.Unlock()
				next, err := r.Heartbeat(cur)
				if err != nil {
					if errors.Is(err, ErrNotOwner) || errors.Is(err, ErrNotFound) {
						r.logger.Warn("lease lost", "unit", cur.UnitID, "dispatch_id", cur.DispatchID, "err", err)
						close(l.lost)
						return
					}
					r.logger.Warn("heartbeat failed", "unit", cur.UnitID, "err", err)
					continue
				}
				l.mu.Lock()
				l.rec = next
				l.mu.Unlock()
			}
		}
	}()
	return l
}

// Lost is closed when another dispatch took over the unit.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Record returns the latest heartbeated record.
func (l *Lease) Record() domain.DispatchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec
}

// Stop ends heartbeating and waits for the loop to exit.
func (l *Lease) Stop() domain.DispatchRecord {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	<-l.doneCh
	return l.Record()
}
