// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the relay hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// When a ClickHouse DSN is configured, the same batches are also inserted
// into a usage_records table for durable, queryable request history — the
// Redis-backed accounting in internal/usage covers live quota enforcement,
// but it ages counters out on a rolling window and was never meant as an
// audit log. ClickHouse insertion runs on the same flush cadence and never
// blocks Log(); a failed batch is logged and dropped rather than retried,
// since usage_records is a reporting sink, not the system of record for
// quota decisions.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	AccountID    string
	KeyID        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cancelled    bool
	CreatedAt    time.Time
}

// ClickHouseConfig configures the optional usage_records sink. An empty DSN
// disables it entirely.
type ClickHouseConfig struct {
	DSN      string
	Database string
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger

	ch2 clickhouseConn // nil when ClickHouse is not configured
}

// clickhouseConn is the subset of *sql.DB / driver.Conn this package needs,
// narrowed so tests can fake it without a live server.
type clickhouseConn interface {
	Exec(ctx context.Context, query string, args ...any) error
}

func New(ctx context.Context, slogger *slog.Logger, ch ClickHouseConfig) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	if ch.DSN != "" {
		conn, err := clickhouse.Open(&clickhouse.Options{
			Addr: []string{ch.DSN},
			Auth: clickhouse.Auth{Database: ch.Database},
		})
		if err != nil {
			return nil, fmt.Errorf("logger: clickhouse open: %w", err)
		}
		if err := conn.Exec(ctx, createUsageRecordsTable); err != nil {
			return nil, fmt.Errorf("logger: clickhouse create table: %w", err)
		}
		l.ch2 = conn
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

const createUsageRecordsTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id String,
	provider String,
	model String,
	account_id String,
	key_id String,
	input_tokens UInt32,
	output_tokens UInt32,
	latency_ms UInt16,
	status UInt16,
	cancelled UInt8,
	created_at DateTime
) ENGINE = MergeTree()
ORDER BY (created_at, key_id)
`

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("account_id", e.AccountID),
				slog.String("key_id", e.KeyID),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Bool("cancelled", e.Cancelled),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		l.insertBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// insertBatch writes one row at a time via Exec rather than a batch
// insert — ClickHouse's batch API needs the higher-level driver.Conn, and
// the relay's flush cadence (every 100 entries or every second) keeps a
// per-row Exec loop well within ClickHouse's ingestion tolerance for this
// volume.
func (l *Logger) insertBatch(ctx context.Context, batch []RequestLog) {
	if l.ch2 == nil {
		return
	}
	for _, e := range batch {
		cancelled := uint8(0)
		if e.Cancelled {
			cancelled = 1
		}
		err := l.ch2.Exec(ctx,
			"INSERT INTO usage_records (id, provider, model, account_id, key_id, input_tokens, output_tokens, latency_ms, status, cancelled, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			e.ID.String(), e.Provider, e.Model, e.AccountID, e.KeyID,
			e.InputTokens, e.OutputTokens, e.LatencyMs, e.Status, cancelled, normalizeTime(e.CreatedAt),
		)
		if err != nil {
			l.log.ErrorContext(ctx, "clickhouse insert failed", "error", err)
			return
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
