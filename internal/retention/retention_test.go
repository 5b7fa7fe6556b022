package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/patterns-realtime/internal/database"
	"github.com/aristath/patterns-realtime/internal/domain"
	"github.com/aristath/patterns-realtime/internal/store"
)

func newTestSweeper(t *testing.T, retainDays int) (*Sweeper, *store.Store, string) {
	t.Helper()
	db, err := database.New(database.Config{Path: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := store.New(db, zerolog.Nop())
	require.NoError(t, err)

	archiveDir := filepath.Join(t.TempDir(), "archive")
	sweeper := New(s, archiveDir, retainDays, zerolog.Nop())
	return sweeper, s, archiveDir
}

func seedJobWithPrediction(t *testing.T, s *store.Store, jobID string, scanTime time.Time) {
	t.Helper()
	ctx := context.Background()
	job := domain.Job{ID: jobID, Status: domain.JobCompleted, Params: domain.JobParams{Symbols: []string{"AAA"}}, TotalSymbols: 1, StartedAt: scanTime}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.InsertPrediction(ctx, domain.Prediction{
		ID: jobID + "-pred", JobID: jobID, Symbol: "AAA", ScanTime: scanTime, Horizon: 1,
		ProbUp: 0.7, ProbDown: 0.3, MeanReturn: 0.8, Edge: 0.56,
		Direction: domain.Up, NNeighbors: 10, PriceAtScan: 100,
	}))
}

func TestRun_ArchivesAndDeletesStaleRows(t *testing.T) {
	sweeper, s, archiveDir := newTestSweeper(t, 30)
	now := time.Now().UTC()
	seedJobWithPrediction(t, s, "old-job", now.AddDate(0, 0, -40))
	seedJobWithPrediction(t, s, "new-job", now)

	require.NoError(t, sweeper.Run(context.Background()))

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(archiveDir, entries[0].Name()))
	require.NoError(t, err)
	var snapshot archiveSnapshot
	require.NoError(t, msgpack.Unmarshal(data, &snapshot))
	require.Len(t, snapshot.Predictions, 1)
	assert.Equal(t, "old-job-pred", snapshot.Predictions[0].ID)

	_, err = s.GetJobStatus(context.Background(), "old-job")
	assert.ErrorIs(t, err, store.ErrNotFound)

	result, err := s.GetJobStatus(context.Background(), "new-job")
	require.NoError(t, err)
	assert.Len(t, result.Predictions, 1)
}

func TestRun_NoStaleRowsSkipsArchival(t *testing.T) {
	sweeper, s, archiveDir := newTestSweeper(t, 30)
	seedJobWithPrediction(t, s, "new-job", time.Now().UTC())

	require.NoError(t, sweeper.Run(context.Background()))

	_, err := os.ReadDir(archiveDir)
	assert.Error(t, err, "archive directory should never be created when nothing is stale")
}

func TestRun_ArchivalFailureBlocksDelete(t *testing.T) {
	sweeper, s, archiveDir := newTestSweeper(t, 30)
	now := time.Now().UTC()
	seedJobWithPrediction(t, s, "old-job", now.AddDate(0, 0, -40))

	// Make the archive directory path unusable: create a regular file where
	// a directory needs to go, so os.MkdirAll fails.
	require.NoError(t, os.MkdirAll(filepath.Dir(archiveDir), 0o755))
	require.NoError(t, os.WriteFile(archiveDir, []byte("not a directory"), 0o644))

	err := sweeper.Run(context.Background())
	assert.Error(t, err)

	result, err := s.GetJobStatus(context.Background(), "old-job")
	require.NoError(t, err, "the stale row must survive when archival fails")
	assert.Len(t, result.Predictions, 1)
}
