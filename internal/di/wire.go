// Package di wires the engine's dependencies explicitly, the way the
// teacher's internal/di container wires its own databases, repositories,
// and services — constructor injection throughout, no global singletons.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/patterns-realtime/internal/config"
	"github.com/aristath/patterns-realtime/internal/database"
	"github.com/aristath/patterns-realtime/internal/events"
	"github.com/aristath/patterns-realtime/internal/hub"
	"github.com/aristath/patterns-realtime/internal/matcher"
	"github.com/aristath/patterns-realtime/internal/priceshq"
	"github.com/aristath/patterns-realtime/internal/retention"
	"github.com/aristath/patterns-realtime/internal/scan"
	"github.com/aristath/patterns-realtime/internal/store"
	"github.com/aristath/patterns-realtime/internal/tracker"
	"github.com/aristath/patterns-realtime/internal/verify"
)

// Container holds every wired component the server and background workers
// depend on.
type Container struct {
	DB       *database.DB
	Store    *store.Store
	Hub      *hub.Hub
	Matcher  matcher.Client
	Prices   priceshq.PriceSource
	Scan     *scan.Engine
	Verify   *verify.Worker
	Tracker  *tracker.Tracker
	Sweeper  *retention.Sweeper
	Events   *events.Manager
}

// Wire builds the Container from configuration. It opens the database,
// migrates its schema, and constructs every component in dependency order,
// but starts nothing — Start/Stop lifecycle is the caller's (cmd/server's)
// responsibility.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "predictions.db"),
		Profile: database.ProfileStandard,
		Name:    "predictions",
	})
	if err != nil {
		return nil, fmt.Errorf("open predictions database: %w", err)
	}

	st, err := store.New(db, log)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	h := hub.New(log)

	matcherClient := matcher.NewHTTPClient(matcher.HTTPClientConfig{
		BaseURL: cfg.MatcherServiceURL,
		Timeout: cfg.MatcherTimeout,
		RateQPS: cfg.MatcherRateQPS,
	})

	priceSource := priceshq.NewHTTPClient(priceshq.HTTPClientConfig{
		BaseURL: cfg.PriceServiceBaseURL,
		APIKey:  cfg.PriceServiceAPIKey,
		Timeout: cfg.PriceTimeout,
	})

	scanEngine := scan.New(st, matcherClient, priceSource, h, log)

	verifyWorker := verify.New(st, priceSource, h, verify.Config{
		CheckInterval: cfg.VerificationCheckInterval,
		BatchSize:     cfg.VerificationBatchSize,
	}, log)

	priceTracker := tracker.New(st, priceSource, h, tracker.Config{
		Interval:    cfg.TrackerInterval,
		ThrottlePer: cfg.TrackerThrottlePer,
	}, log)

	sweeper := retention.New(st, filepath.Join(cfg.DataDir, "archive"), cfg.RetentionDays, log)

	return &Container{
		DB:      db,
		Store:   st,
		Hub:     h,
		Matcher: matcherClient,
		Prices:  priceSource,
		Scan:    scanEngine,
		Verify:  verifyWorker,
		Tracker: priceTracker,
		Sweeper: sweeper,
		Events:  events.New(log),
	}, nil
}
