// Package verify implements the VerificationWorker component (C6): it
// closes the loop on every matured prediction exactly once. Its
// Start/Stop lifecycle and mutex+WaitGroup shutdown follow the teacher's
// long-running task pattern used throughout its scheduled job system.
package verify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/patterns-realtime/internal/domain"
	"github.com/aristath/patterns-realtime/internal/hub"
	"github.com/aristath/patterns-realtime/internal/priceshq"
	"github.com/aristath/patterns-realtime/internal/store"
)

// Worker is the VerificationWorker. Safe to run as multiple replicas: the
// store's conditional UPDATE is the sole arbiter of who wins each
// prediction, so Worker carries no coordination state of its own.
type Worker struct {
	store         *store.Store
	prices        priceshq.PriceSource
	hub           *hub.Hub
	log           zerolog.Logger
	checkInterval time.Duration
	batchSize     int
	now           func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu   sync.Mutex
	passes    uint64
	verified  uint64
	deferred  uint64
	conflicts uint64
}

// Config configures a Worker.
type Config struct {
	CheckInterval time.Duration
	BatchSize     int
}

// New builds a stopped Worker.
func New(s *store.Store, p priceshq.PriceSource, h *hub.Hub, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		store:         s,
		prices:        p,
		hub:           h,
		log:           log.With().Str("component", "verify").Logger(),
		checkInterval: cfg.CheckInterval,
		batchSize:     cfg.BatchSize,
		now:           time.Now,
	}
}

// Start begins the periodic verification loop. Calling Start on an
// already-running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.loop(ctx)
	w.log.Info().Dur("interval", w.checkInterval).Msg("verification worker started")
}

// Stop signals the loop to exit at its next boundary and waits for it to
// finish. In-flight price fetches are abandoned cleanly via context
// cancellation.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info().Msg("verification worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		w.runPass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) runPass(ctx context.Context) {
	pending, err := w.store.GetPendingPredictions(ctx, w.now(), w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to fetch pending predictions")
		return
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		w.verifyOne(ctx, p)
	}

	w.statsMu.Lock()
	w.passes++
	w.statsMu.Unlock()
}

func (w *Worker) verifyOne(ctx context.Context, p domain.Prediction) {
	priceCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	price, err := w.prices.GetPrice(priceCtx, p.Symbol)
	cancel()
	if err != nil {
		// A missed pass is a deferral, not a failure: the prediction stays
		// pending and is retried on the worker's next pass.
		w.statsMu.Lock()
		w.deferred++
		w.statsMu.Unlock()
		return
	}

	actualReturn, wasCorrect, pnl := domain.Verify(p.Direction, p.PriceAtScan, price)
	verifiedAt := w.now()

	err = w.store.VerifyPrediction(ctx, p.ID, verifiedAt, price, actualReturn, pnl, wasCorrect)
	switch {
	case err == nil:
		w.statsMu.Lock()
		w.verified++
		w.statsMu.Unlock()
		w.hub.BroadcastAll("verification", map[string]any{
			"prediction_id": p.ID, "symbol": p.Symbol, "actual_return": actualReturn,
			"was_correct": wasCorrect, "pnl": pnl, "verified_at": verifiedAt,
		})
	case err == store.ErrAlreadyVerified:
		w.statsMu.Lock()
		w.conflicts++
		w.statsMu.Unlock()
	default:
		w.log.Error().Err(err).Str("prediction_id", p.ID).Msg("failed to verify prediction")
	}
}

// Stats summarizes the worker's lifetime activity, supplementing the
// distilled spec with the original verification_worker.py's get_stats.
type Stats struct {
	Passes    uint64 `json:"passes"`
	Verified  uint64 `json:"verified"`
	Deferred  uint64 `json:"deferred"`
	Conflicts uint64 `json:"conflicts"`
	Running   bool   `json:"running"`
}

func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return Stats{Passes: w.passes, Verified: w.verified, Deferred: w.deferred, Conflicts: w.conflicts, Running: running}
}
