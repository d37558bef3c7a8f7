// Package pricing loads and refreshes the model price table and computes
// the cost of a completed request against it. The table itself is a small
// piece of read-only, process-wide state: it is loaded once at startup from
// a bundled fallback, then kept current by three independent refresh paths
// (a periodic full re-fetch, a periodic hash poll, and a file watch), all
// feeding the same atomic pointer so readers never block on a refresh.
package pricing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ModelPrice holds the per-model price table entry, as loaded from JSON.
// Prices are USD per token.
type ModelPrice struct {
	InputCostPerToken      float64 `json:"input_cost_per_token"`
	OutputCostPerToken     float64 `json:"output_cost_per_token"`
	CacheCreateCostPerToken float64 `json:"cache_creation_input_token_cost"`
	CacheReadCostPerToken  float64 `json:"cache_read_input_token_cost"`
	InputAbove200k         float64 `json:"input_cost_per_token_above_200k_tokens"`
	OutputAbove200k        float64 `json:"output_cost_per_token_above_200k_tokens"`
	CacheCreateAbove200k   float64 `json:"cache_creation_input_token_cost_above_200k_tokens"`
	CacheReadAbove200k     float64 `json:"cache_read_input_token_cost_above_200k_tokens"`
	CacheCreateAbove1hr    float64 `json:"cache_creation_input_token_cost_above_1hr"`
	ProviderSpecific       struct {
		Fast float64 `json:"fast"`
	} `json:"provider_specific_entry"`
}

// Table is a model → ModelPrice price table snapshot.
type Table map[string]ModelPrice

// Engine serves the current price table and keeps it refreshed in the
// background. Zero value is not usable; construct with New.
type Engine struct {
	log *slog.Logger

	fallbackPath string
	pricingURL   string
	hashURL      string

	httpClient *http.Client

	current atomic.Pointer[Table]
	lastHash atomic.Pointer[string]

	watcher *fsnotify.Watcher
}

// Options configures an Engine's refresh behavior. Zero values pick the
// documented defaults.
type Options struct {
	FallbackPath string
	PricingURL   string
	HashURL      string
	HTTPClient   *http.Client
}

const (
	fullRefreshInterval = 24 * time.Hour
	hashPollInterval    = 10 * time.Minute
	watchDebounce       = 500 * time.Millisecond
)

// New loads the bundled fallback table synchronously and returns a ready
// Engine. Call Run in a goroutine to start the background refresh loops.
func New(log *slog.Logger, opts Options) (*Engine, error) {
	e := &Engine{
		log:          log,
		fallbackPath: opts.FallbackPath,
		pricingURL:   opts.PricingURL,
		hashURL:      opts.HashURL,
		httpClient:   opts.HTTPClient,
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	tbl, err := loadFromFile(opts.FallbackPath)
	if err != nil {
		return nil, fmt.Errorf("pricing: load fallback: %w", err)
	}
	e.current.Store(&tbl)

	if opts.FallbackPath != "" {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err := w.Add(opts.FallbackPath); err == nil {
				e.watcher = w
			} else {
				_ = w.Close()
			}
		}
	}

	return e, nil
}

// Table returns the current price table snapshot. Safe for concurrent use;
// lock-free.
func (e *Engine) Table() Table {
	p := e.current.Load()
	if p == nil {
		return Table{}
	}
	return *p
}

// Run drives the background refresh loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var debounce *time.Timer
	var debounceC <-chan time.Time
	if e.watcher != nil {
		defer e.watcher.Close()
	}

	fullTicker := time.NewTicker(fullRefreshInterval)
	defer fullTicker.Stop()
	hashTicker := time.NewTicker(hashPollInterval)
	defer hashTicker.Stop()

	for {
		var watchEvents <-chan fsnotify.Event
		var watchErrors <-chan error
		if e.watcher != nil {
			watchEvents = e.watcher.Events
			watchErrors = e.watcher.Errors
		}

		select {
		case <-ctx.Done():
			return

		case <-fullTicker.C:
			e.refreshFromURL(ctx)

		case <-hashTicker.C:
			e.pollHash(ctx)

		case ev, ok := <-watchEvents:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(watchDebounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if tbl, err := loadFromFile(e.fallbackPath); err != nil {
				e.log.Warn("pricing: file reload failed", slog.String("error", err.Error()))
			} else {
				e.current.Store(&tbl)
				e.log.Info("pricing: table reloaded from file")
			}

		case err, ok := <-watchErrors:
			if !ok {
				continue
			}
			e.log.Warn("pricing: watcher error", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) refreshFromURL(ctx context.Context) {
	if e.pricingURL == "" {
		return
	}
	tbl, hash, err := e.fetchURL(ctx, e.pricingURL)
	if err != nil {
		e.log.Warn("pricing: refresh failed", slog.String("error", err.Error()))
		return
	}
	e.current.Store(&tbl)
	e.lastHash.Store(&hash)
	e.log.Info("pricing: table refreshed from url")
}

func (e *Engine) pollHash(ctx context.Context) {
	if e.hashURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.hashURL, nil)
	if err != nil {
		return
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.log.Warn("pricing: hash poll failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return
	}
	remoteHash := string(body)

	prev := e.lastHash.Load()
	if prev != nil && *prev == remoteHash {
		return
	}
	e.refreshFromURL(ctx)
}

func (e *Engine) fetchURL(ctx context.Context, url string) (Table, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	var tbl Table
	if err := json.Unmarshal(body, &tbl); err != nil {
		return nil, "", fmt.Errorf("parse table: %w", err)
	}

	sum := sha256.Sum256(body)
	return tbl, hex.EncodeToString(sum[:]), nil
}

func loadFromFile(path string) (Table, error) {
	if path == "" {
		return Table{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tbl Table
	if err := json.Unmarshal(data, &tbl); err != nil {
		return nil, fmt.Errorf("parse table: %w", err)
	}
	return tbl, nil
}
