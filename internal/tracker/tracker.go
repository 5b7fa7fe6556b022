// Package tracker implements the PriceTracker component (C7): it keeps
// the UI honest about open positions between scan-time and horizon by
// broadcasting live unrealized pnl, throttled per symbol.
package tracker

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

// Tracker is the PriceTracker. Start/Stop mirrors Worker's lifecycle.
type Tracker struct {
	store        *store.Store
	prices       priceshq.PriceSource
	hub          *hub.Hub
	log          zerolog.Logger
	interval     time.Duration
	throttlePer  time.Duration
	now          func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastSentMu sync.Mutex
	lastSent   map[string]time.Time // symbol -> last price_update broadcast time

	statsMu sync.Mutex
	ticks   uint64
	emitted uint64
}

// Config configures a Tracker.
type Config struct {
	Interval    time.Duration
	ThrottlePer time.Duration
}

// New builds a stopped Tracker.
func New(s *store.Store, p priceshq.PriceSource, h *hub.Hub, cfg Config, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:       s,
		prices:      p,
		hub:         h,
		log:         log.With().Str("component", "tracker").Logger(),
		interval:    cfg.Interval,
		throttlePer: cfg.ThrottlePer,
		now:         time.Now,
		lastSent:    make(map[string]time.Time),
	}
}

func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.running = true

	t.wg.Add(1)
	go t.loop(ctx)
	t.log.Info().Dur("interval", t.interval).Msg("price tracker started")
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.cancel()
	t.running = false
	t.mu.Unlock()

	t.wg.Wait()
	t.log.Info().Msg("price tracker stopped")
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) tick(ctx context.Context) {
	now := t.now()
	active, err := t.store.GetActivePredictions(ctx, now)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to fetch active predictions")
		return
	}
	if len(active) == 0 {
		return
	}

	symbolSet := make(map[string]bool, len(active))
	symbols := make([]string, 0, len(active))
	for _, p := range active {
		if !symbolSet[p.Symbol] {
			symbolSet[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}

	prices, err := t.prices.GetPrices(ctx, symbols)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to fetch batch prices")
		return
	}

	for _, p := range active {
		price, ok := prices[p.Symbol]
		if !ok {
			continue
		}
		if !t.shouldEmit(p.Symbol, now) {
			continue
		}
		t.emit(p, price, now)
	}

	t.statsMu.Lock()
	t.ticks++
	t.statsMu.Unlock()
}

func (t *Tracker) shouldEmit(symbol string, now time.Time) bool {
	t.lastSentMu.Lock()
	defer t.lastSentMu.Unlock()
	if last, ok := t.lastSent[symbol]; ok && now.Sub(last) < t.throttlePer {
		return false
	}
	t.lastSent[symbol] = now
	return true
}

func (t *Tracker) emit(p domain.Prediction, currentPrice float64, now time.Time) {
	unrealizedReturn, unrealizedPnL, isCorrect := domain.UnrealizedPnL(p.Direction, p.PriceAtScan, currentPrice)
	elapsedMinutes := now.Sub(p.ScanTime).Minutes()
	minutesRemaining := domain.MinutesRemaining(p.Horizon, elapsedMinutes)

	t.hub.BroadcastAll("price_update", map[string]any{
		"price_update": map[string]any{
			"prediction_id":        p.ID,
			"job_id":               p.JobID,
			"symbol":               p.Symbol,
			"current_price":        currentPrice,
			"price_at_scan":        p.PriceAtScan,
			"unrealized_return":    unrealizedReturn,
			"unrealized_pnl":       unrealizedPnL,
			"direction":            p.Direction,
			"is_currently_correct": isCorrect,
			"minutes_remaining":    minutesRemaining,
			"timestamp":            now,
		},
	})

	t.statsMu.Lock()
	t.emitted++
	t.statsMu.Unlock()
}

// Stats summarizes the tracker's lifetime activity, supplementing the
// distilled spec with the original price_tracker.py's get_stats.
type Stats struct {
	Ticks    uint64 `json:"ticks"`
	Emitted  uint64 `json:"emitted"`
	Running  bool   `json:"running"`
	Tracked  int    `json:"tracked_symbols"`
}

func (t *Tracker) Stats() Stats {
	t.statsMu.Lock()
	ticks, emitted := t.ticks, t.emitted
	t.statsMu.Unlock()
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	t.lastSentMu.Lock()
	tracked := len(t.lastSent)
	t.lastSentMu.Unlock()
	return Stats{Ticks: ticks, Emitted: emitted, Running: running, Tracked: tracked}
}
