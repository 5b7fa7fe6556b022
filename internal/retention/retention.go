// Package retention runs the daily sweep that purges predictions and
// failures older than the configured window, archiving what it deletes
// to a compact msgpack snapshot first — the same "snapshot before purge"
// shape as the teacher's DailyMaintenanceJob, built on vmihailenco/msgpack
// instead of the teacher's JSON archival since these snapshots are written
// far more often and at higher volume.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/patterns-realtime/internal/domain"
	"github.com/aristath/patterns-realtime/internal/store"
)

// Sweeper runs the retention job on demand; scheduling it is the caller's
// responsibility (wired to robfig/cron in the DI container).
type Sweeper struct {
	store       *store.Store
	archiveDir  string
	retainDays  int
	log         zerolog.Logger
	now         func() time.Time
}

// New builds a Sweeper. archiveDir is created lazily on first sweep.
func New(s *store.Store, archiveDir string, retainDays int, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:      s,
		archiveDir: archiveDir,
		retainDays: retainDays,
		log:        log.With().Str("component", "retention").Logger(),
		now:        time.Now,
	}
}

type archiveSnapshot struct {
	CutoffAt    time.Time           `msgpack:"cutoff_at"`
	ArchivedAt  time.Time           `msgpack:"archived_at"`
	Predictions []domain.Prediction `msgpack:"predictions"`
}

// Run performs one sweep: archive, then delete. It is safe to call
// concurrently with normal store traffic — deletes are scoped by
// scan_time < cutoff, which never touches rows newer than the retention
// window regardless of what else is being written at the same time.
func (s *Sweeper) Run(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.retainDays)

	stale, err := s.store.ListPredictionsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list predictions for archival: %w", err)
	}

	if len(stale) > 0 {
		if err := s.archive(cutoff, stale); err != nil {
			// Archival failure blocks the delete: losing the ability to
			// purge one night is preferable to silently discarding data
			// with no snapshot to recover it from.
			return fmt.Errorf("archive predictions before purge: %w", err)
		}
	}

	predictionsDeleted, failuresDeleted, jobsDeleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete old rows: %w", err)
	}

	s.log.Info().
		Time("cutoff", cutoff).
		Int64("predictions_deleted", predictionsDeleted).
		Int64("failures_deleted", failuresDeleted).
		Int64("jobs_deleted", jobsDeleted).
		Msg("retention sweep complete")
	return nil
}

func (s *Sweeper) archive(cutoff time.Time, predictions []domain.Prediction) error {
	if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	snapshot := archiveSnapshot{CutoffAt: cutoff, ArchivedAt: s.now(), Predictions: predictions}
	data, err := msgpack.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	filename := fmt.Sprintf("predictions-%s.msgpack", s.now().UTC().Format("20060102-150405"))
	path := filepath.Join(s.archiveDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}
