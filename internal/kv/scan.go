package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// defaultScanCount is the COUNT hint passed to each SCAN round. It bounds
// how much work a single round does without blocking the server for long.
const defaultScanCount = 200

// maxScanChunk bounds how many ids ChunkedHGetAll and ChunkedDelete process
// per round trip, keeping individual pipelines small.
const maxScanChunk = 500

// ChunkedScan walks the full keyspace matching pattern and returns every
// matching key. It loops SCAN until the cursor returns to 0, so callers
// never need to reason about cursors directly.
func (s *Store) ChunkedScan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.cli.Scan(ctx, cursor, pattern, defaultScanCount).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// ScanAndProcess walks the keyspace matching pattern and invokes fn for each
// chunk of keys as it is discovered, rather than materializing the full
// result set. fn returning an error stops the scan and the error propagates.
func (s *Store) ScanAndProcess(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64

	for {
		batch, next, err := s.cli.Scan(ctx, cursor, pattern, defaultScanCount).Result()
		if err != nil {
			return wrapErr(err)
		}
		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// chunk splits ids into fixed-size groups so downstream pipelines stay small.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = maxScanChunk
	}
	var out [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

// ChunkedHGetAll reads the hash stored at keyFn(id) for every id, in fixed
// size batches via pipelining, and returns a map keyed by id. Ids with no
// hash are omitted from the result.
func (s *Store) ChunkedHGetAll(ctx context.Context, ids []string, keyFn func(id string) string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(ids))

	for _, group := range chunk(ids, maxScanChunk) {
		pipe := s.cli.Pipeline()
		cmds := make(map[string]*redis.StringStringMapCmd, len(group))

		for _, id := range group {
			cmds[id] = pipe.HGetAll(ctx, keyFn(id))
		}

		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, wrapErr(err)
		}

		for id, cmd := range cmds {
			m, err := cmd.Result()
			if err != nil {
				continue
			}
			if len(m) > 0 {
				out[id] = m
			}
		}
	}

	return out, nil
}

// ChunkedDelete deletes the keys produced by keyFn for every id, in fixed
// size batches, to avoid issuing a single DEL with an unbounded key list.
func (s *Store) ChunkedDelete(ctx context.Context, ids []string, keyFn func(id string) string) error {
	for _, group := range chunk(ids, maxScanChunk) {
		keys := make([]string, len(group))
		for i, id := range group {
			keys[i] = keyFn(id)
		}
		if err := s.Del(ctx, keys...); err != nil {
			return err
		}
	}
	return nil
}
