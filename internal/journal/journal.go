// Package journal keeps an append-only SQLite log of dispatch and lifecycle
// events for auditing, `sl log tail`, the HTTP API and webhooks.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

type Journal struct {
	DB       *sql.DB
	Writer   events.Writer
	Repo     repo.Repo
	Instance string
	logger   *slog.Logger
}

// Open opens and migrates the journal under stateDir.
func Open(ctx context.Context, stateDir, instance string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{StateDir: stateDir})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer at a time; several instances share the file through
	// sqlite's own locking.
	conn.SetMaxOpenConns(1)
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{
		DB:       conn,
		Writer:   events.Writer{DB: conn, Now: time.Now},
		Repo:     repo.Repo{DB: conn},
		Instance: instance,
		logger:   logger.With("component", "journal"),
	}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.DB == nil {
		return nil
	}
	return j.DB.Close()
}

// Record appends an event. Failures are logged and swallowed so the journal
// never fails a dispatch.
func (j *Journal) Record(ctx context.Context, evtType, unitID string, phase domain.Phase, payload map[string]any) {
	if j == nil {
		return
	}
	if _, err := j.Writer.Append(context.WithoutCancel(ctx), evtType, unitID, phase, j.Instance, payload); err != nil {
		j.logger.Warn("journal append failed", "type", evtType, "unit", unitID, "err", err)
	}
}

// Tail returns the newest limit events matching f, oldest first.
func (j *Journal) Tail(ctx context.Context, limit int, f repo.EventFilter) ([]domain.Event, error) {
	evts, err := j.Repo.LatestEvents(ctx, limit, 0, f)
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(evts)-1; i < k; i, k = i+1, k-1 {
		evts[i], evts[k] = evts[k], evts[i]
	}
	return evts, nil
}
