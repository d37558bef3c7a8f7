// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order, all inline in New:
//  1. Redis connection, crypto manager, pricing engine
//  2. calendar clock, concurrency manager, API-key store and admission,
//     rate limiter, usage accountant, account schedulers, upstream
//     adapter registry
//  3. request logger (with optional ClickHouse sink), metrics registry
//  4. the Orchestrator and its HTTP Server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/apirelay/internal/apikey"
	"github.com/nulpointcorp/apirelay/internal/calendar"
	"github.com/nulpointcorp/apirelay/internal/concurrency"
	"github.com/nulpointcorp/apirelay/internal/config"
	"github.com/nulpointcorp/apirelay/internal/crypto"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/nulpointcorp/apirelay/internal/logger"
	"github.com/nulpointcorp/apirelay/internal/metrics"
	"github.com/nulpointcorp/apirelay/internal/pricing"
	"github.com/nulpointcorp/apirelay/internal/ratelimit"
	"github.com/nulpointcorp/apirelay/internal/relay"
	"github.com/nulpointcorp/apirelay/internal/scheduler"
	"github.com/nulpointcorp/apirelay/internal/upstream"
	anthropicup "github.com/nulpointcorp/apirelay/internal/upstream/anthropic"
	"github.com/nulpointcorp/apirelay/internal/upstream/generic"
	geminiup "github.com/nulpointcorp/apirelay/internal/upstream/gemini"
	openaiup "github.com/nulpointcorp/apirelay/internal/upstream/openai"
	"github.com/nulpointcorp/apirelay/internal/usage"
)

// platforms is every platform the account scheduler and upstream registry
// serve. openai_responses shares the openai adapter and scheduler pool —
// it differs only in the wire endpoint the router resolves.
var platforms = []string{"anthropic", "openai", "gemini", "bedrock", "azure", "droid", "ccr"}

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	store *kv.Store

	reqLogger *logger.Logger
	prom      *metrics.Registry

	srv *relay.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, log: log}

	log.Info("connecting to redis", slog.String("url", redactURL(cfg.Redis.URL)))
	store, err := kv.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("app: connect redis: %w", err)
	}
	a.store = store

	cryptoMgr, err := crypto.New(cfg.Security.EncryptionKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: crypto: %w", err)
	}

	pricingEngine, err := pricing.New(log, pricing.Options{
		FallbackPath: cfg.Pricing.FallbackPath,
		PricingURL:   cfg.Pricing.URL,
		HashURL:      cfg.Pricing.HashURL,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: pricing: %w", err)
	}
	go pricingEngine.Run(ctx)

	clock := calendar.New(cfg.System.TimezoneOffsetMinutes)
	cm := concurrency.New(store)
	keys := apikey.NewStore(store)
	admission := apikey.NewAdmission(store, cm)
	limiter := ratelimit.NewWindowLimiter(store)
	accountant := usage.New(store, clock, log, 5)

	schedulers := make(map[string]*scheduler.Scheduler, len(platforms))
	for _, p := range platforms {
		sstore := scheduler.NewRedisStore(store, p)
		schedulers[p] = scheduler.New(sstore, cm,
			time.Duration(cfg.Session.StickyTTLHours)*time.Hour,
			time.Duration(cfg.Session.RenewalThresholdMinutes)*time.Minute,
		)
	}
	// openai_responses is routed through the same account pool as openai.
	schedulers["openai_responses"] = schedulers["openai"]

	registry := upstream.NewRegistry(
		anthropicup.New(),
		openaiup.New(),
		geminiup.New(),
		generic.NewBedrock(),
		generic.NewAzure(),
		generic.NewDroid(),
		generic.NewCCR(),
	)

	reqLogger, err := logger.New(ctx, log, logger.ClickHouseConfig{
		DSN:      cfg.ClickHouse.DSN,
		Database: cfg.ClickHouse.Database,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(version)

	orc := relay.New(
		store, keys, admission, schedulers, cm, cryptoMgr, pricingEngine,
		registry, accountant, limiter, clock,
		relay.Config{
			LeaseSeconds:  cfg.Concurrency.LeaseSeconds,
			RenewInterval: cfg.Concurrency.LeaseRenewInterval(),
			QueueTimeout:  time.Duration(cfg.Concurrency.QueueTimeoutSeconds) * time.Second,
			AccountLock: relay.AccountLockConfig{
				TTL:      time.Duration(cfg.Concurrency.LeaseSeconds) * time.Second,
				MinDelay: time.Second,
			},
			WeeklyResetDay:       cfg.System.WeeklyResetDay,
			WeeklyResetHour:      cfg.System.WeeklyResetHour,
			SerializingPlatforms: cfg.SerializingPlatformSet(),
		},
		log, a.prom,
	)

	a.srv = relay.NewServer(orc, cfg.CORSOrigins, log, a.prom, a.reqLogger)

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", addr),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("logger close error", slog.String("error", err.Error()))
			}
			a.reqLogger = nil
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
			a.store = nil
		}
	})
}
