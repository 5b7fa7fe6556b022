// Package store persists jobs, predictions and failures for the
// pattern-matching realtime engine in SQLite, the way the teacher's
// internal/database repositories persist portfolio state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/patterns-realtime/internal/database"
	"github.com/aristath/patterns-realtime/internal/domain"
)

// Store is the PredictionStore component (C1): the sole writer and reader
// of jobs.db. All timestamps are stored as RFC3339 strings in UTC and all
// money/probability columns are persisted already rounded to 4 decimals,
// per the domain package's rounding contract.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// New opens the store and ensures its schema exists.
func New(db *database.DB, log zerolog.Logger) (*Store, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, fmt.Errorf("migrate predictions schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// CreateJob inserts a new job row in the pending state.
func (s *Store) CreateJob(ctx context.Context, job domain.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}

	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO jobs (id, status, started_at, params, total_symbols, completed_symbols, failed_symbols)
		VALUES (?, ?, ?, ?, ?, 0, 0)`,
		job.ID, string(job.Status), formatTime(job.StartedAt), string(params), job.TotalSymbols,
	)
	if err != nil {
		return translateConstraintErr(err)
	}
	return nil
}

// UpdateJobProgress bumps the completed/failed symbol counters for a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, completedDelta, failedDelta int) error {
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE jobs SET completed_symbols = completed_symbols + ?, failed_symbols = failed_symbols + ?
		WHERE id = ?`, completedDelta, failedDelta, jobID)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return checkRowFound(res, ErrNotFound)
}

// CompleteJob transitions a job to a terminal status and stamps completed_at.
func (s *Store) CompleteJob(ctx context.Context, jobID string, status domain.JobStatus, completedAt time.Time) error {
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), formatTime(completedAt), jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return checkRowFound(res, ErrNotFound)
}

func checkRowFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func translateConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	// modernc.org/sqlite reports primary-key violations with "UNIQUE constraint failed"
	// in the driver error text; there is no typed sentinel to compare against.
	if containsUniqueViolation(err.Error()) {
		return ErrDuplicateID
	}
	return fmt.Errorf("store: %w", err)
}

func containsUniqueViolation(msg string) bool {
	return contains(msg, "UNIQUE constraint failed") || contains(msg, "constraint failed: UNIQUE")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// InsertPrediction records a fresh, unverified prediction.
func (s *Store) InsertPrediction(ctx context.Context, p domain.Prediction) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO predictions (
			id, job_id, symbol, scan_time, horizon,
			prob_up, prob_down, mean_return, edge, direction, n_neighbors,
			dist1, p10, p90, price_at_scan
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.JobID, p.Symbol, formatTime(p.ScanTime), p.Horizon,
		domain.Round4(p.ProbUp), domain.Round4(p.ProbDown), domain.Round4(p.MeanReturn),
		domain.Round4(p.Edge), string(p.Direction), p.NNeighbors,
		roundedDist1(p.Dist1), p.P10, p.P90, p.PriceAtScan,
	)
	return translateConstraintErr(err)
}

func roundedDist1(dist1 *float64) *float64 {
	if dist1 == nil {
		return nil
	}
	r := domain.Round4(*dist1)
	return &r
}

// InsertFailure records a per-symbol scan failure.
func (s *Store) InsertFailure(ctx context.Context, f domain.Failure) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO failures (id, job_id, symbol, scan_time, error_code, reason, bars_since_open, bars_until_close)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.JobID, f.Symbol, formatTime(f.ScanTime), string(f.ErrorCode), f.Reason,
		f.BarsSinceOpen, f.BarsUntilClose,
	)
	return translateConstraintErr(err)
}

// VerifyPrediction stamps a matured prediction with its realized outcome.
// It is implemented as a single conditional UPDATE guarded by
// "verified_at IS NULL", which doubles as the at-most-once compare-and-swap
// spec.md requires under concurrent VerificationWorker passes: whichever
// caller's UPDATE affects a row wins, and every other caller gets
// ErrAlreadyVerified instead of silently double-counting pnl.
func (s *Store) VerifyPrediction(ctx context.Context, id string, verifiedAt time.Time, priceAtHorizon, actualReturn, pnl float64, wasCorrect bool) error {
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE predictions
		SET price_at_horizon = ?, actual_return = ?, was_correct = ?, pnl = ?, verified_at = ?
		WHERE id = ? AND verified_at IS NULL`,
		priceAtHorizon, domain.Round4(actualReturn), boolToInt(wasCorrect), domain.Round4(pnl), formatTime(verifiedAt), id,
	)
	if err != nil {
		return fmt.Errorf("verify prediction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify prediction rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish "already verified" from "never existed" so callers
		// don't misreport a genuine miss as a race they lost.
		var exists int
		if scanErr := s.db.Conn().QueryRowContext(ctx, `SELECT 1 FROM predictions WHERE id = ?`, id).Scan(&exists); scanErr == sql.ErrNoRows {
			return ErrNotFound
		}
		return ErrAlreadyVerified
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetPendingPredictions returns matured predictions still awaiting
// verification (verified_at IS NULL AND scan_time + horizon <= asOf),
// oldest first, capped at limit. The maturity predicate is computed in SQL
// via SQLite's datetime() so it stays consistent with idx_predictions_pending.
func (s *Store) GetPendingPredictions(ctx context.Context, asOf time.Time, limit int) ([]domain.Prediction, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT `+predictionColumns+`
		FROM predictions
		WHERE verified_at IS NULL
		  AND datetime(scan_time, '+' || horizon || ' minutes') <= datetime(?)
		ORDER BY scan_time ASC
		LIMIT ?`, formatTime(asOf), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending predictions: %w", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// GetActivePredictions returns not-yet-matured, unverified predictions —
// the set the PriceTracker polls for live unrealized pnl broadcasts.
func (s *Store) GetActivePredictions(ctx context.Context, asOf time.Time) ([]domain.Prediction, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT `+predictionColumns+`
		FROM predictions
		WHERE verified_at IS NULL
		  AND datetime(scan_time, '+' || horizon || ' minutes') > datetime(?)
		ORDER BY scan_time ASC`, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("query active predictions: %w", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// JobStatusResult bundles a job with its predictions and failures, the
// shape GET /pattern-realtime/job/{id} returns.
type JobStatusResult struct {
	Job         domain.Job
	Predictions []domain.Prediction
	Failures    []domain.Failure
}

// GetJobStatus fetches a job and its child predictions/failures.
func (s *Store) GetJobStatus(ctx context.Context, jobID string) (*JobStatusResult, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT `+predictionColumns+` FROM predictions WHERE job_id = ? ORDER BY scan_time ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job predictions: %w", err)
	}
	preds, err := scanPredictions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	frows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, job_id, symbol, scan_time, error_code, reason, bars_since_open, bars_until_close
		FROM failures WHERE job_id = ? ORDER BY scan_time ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job failures: %w", err)
	}
	defer frows.Close()

	var failures []domain.Failure
	for frows.Next() {
		var f domain.Failure
		var scanTime string
		var errorCode string
		if err := frows.Scan(&f.ID, &f.JobID, &f.Symbol, &scanTime, &errorCode, &f.Reason, &f.BarsSinceOpen, &f.BarsUntilClose); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		f.ErrorCode = domain.ErrorCode(errorCode)
		f.ScanTime, err = parseTime(scanTime)
		if err != nil {
			return nil, fmt.Errorf("parse failure scan_time: %w", err)
		}
		failures = append(failures, f)
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}

	return &JobStatusResult{Job: *job, Predictions: preds, Failures: failures}, nil
}

func (s *Store) getJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	var status, paramsJSON, startedAt string
	var completedAt sql.NullString

	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, status, started_at, completed_at, params, total_symbols, completed_symbols, failed_symbols
		FROM jobs WHERE id = ?`, jobID).Scan(
		&job.ID, &status, &startedAt, &completedAt, &paramsJSON,
		&job.TotalSymbols, &job.Completed, &job.Failed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}

	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("unmarshal job params: %w", err)
	}
	job.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse job started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse job completed_at: %w", err)
		}
		job.CompletedAt = &t
	}
	return &job, nil
}

// GetRecentJobs lists the most recently started jobs, newest first. This
// supplements the distilled spec with the original db.py's get_recent_jobs,
// surfaced at GET /pattern-realtime/history.
func (s *Store) GetRecentJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, status, started_at, completed_at, params, total_symbols, completed_symbols, failed_symbols
		FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var job domain.Job
		var status, paramsJSON, startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&job.ID, &status, &startedAt, &completedAt, &paramsJSON,
			&job.TotalSymbols, &job.Completed, &job.Failed); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		job.Status = domain.JobStatus(status)
		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("unmarshal job params: %w", err)
		}
		job.StartedAt, err = parseTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse completed_at: %w", err)
			}
			job.CompletedAt = &t
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const predictionColumns = `
	id, job_id, symbol, scan_time, horizon,
	prob_up, prob_down, mean_return, edge, direction, n_neighbors,
	dist1, p10, p90, price_at_scan,
	price_at_horizon, actual_return, was_correct, pnl, verified_at`

func scanPredictions(rows *sql.Rows) ([]domain.Prediction, error) {
	var out []domain.Prediction
	for rows.Next() {
		var p domain.Prediction
		var scanTime, direction string
		var wasCorrect sql.NullInt64
		var verifiedAt sql.NullString

		if err := rows.Scan(
			&p.ID, &p.JobID, &p.Symbol, &scanTime, &p.Horizon,
			&p.ProbUp, &p.ProbDown, &p.MeanReturn, &p.Edge, &direction, &p.NNeighbors,
			&p.Dist1, &p.P10, &p.P90, &p.PriceAtScan,
			&p.PriceAtHorizon, &p.ActualReturn, &wasCorrect, &p.PnL, &verifiedAt,
		); err != nil {
			return nil, fmt.Errorf("scan prediction row: %w", err)
		}

		p.Direction = domain.Direction(direction)
		t, err := parseTime(scanTime)
		if err != nil {
			return nil, fmt.Errorf("parse scan_time: %w", err)
		}
		p.ScanTime = t

		if wasCorrect.Valid {
			b := wasCorrect.Int64 != 0
			p.WasCorrect = &b
		}
		if verifiedAt.Valid {
			vt, err := parseTime(verifiedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse verified_at: %w", err)
			}
			p.VerifiedAt = &vt
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPredictionsOlderThan and ListFailuresOlderThan back the retention
// sweep's pre-delete archival snapshot.
func (s *Store) ListPredictionsOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Prediction, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT `+predictionColumns+` FROM predictions WHERE scan_time < datetime(?)`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query old predictions: %w", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// ListVerifiedPredictions returns every verified prediction, optionally
// restricted to scan_time >= since, for internal/stats to aggregate into
// performance buckets.
func (s *Store) ListVerifiedPredictions(ctx context.Context, since *time.Time) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE verified_at IS NOT NULL`
	args := []any{}
	if since != nil {
		query += ` AND scan_time >= datetime(?)`
		args = append(args, formatTime(*since))
	}
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verified predictions: %w", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// DeleteOlderThan purges predictions and failures older than cutoff, and
// any jobs left with no remaining predictions or failures, matching the
// original db.py nightly retention sweep.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (predictionsDeleted, failuresDeleted, jobsDeleted int64, err error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin retention tx: %w", err)
	}
	defer tx.Rollback()

	cutoffStr := formatTime(cutoff)

	res, err := tx.ExecContext(ctx, `DELETE FROM predictions WHERE scan_time < datetime(?)`, cutoffStr)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("delete old predictions: %w", err)
	}
	predictionsDeleted, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM failures WHERE scan_time < datetime(?)`, cutoffStr)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("delete old failures: %w", err)
	}
	failuresDeleted, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN ('completed', 'cancelled', 'failed')
		  AND id NOT IN (SELECT DISTINCT job_id FROM predictions)
		  AND id NOT IN (SELECT DISTINCT job_id FROM failures)`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("delete orphan jobs: %w", err)
	}
	jobsDeleted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("commit retention tx: %w", err)
	}
	return predictionsDeleted, failuresDeleted, jobsDeleted, nil
}
