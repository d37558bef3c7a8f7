// Package index maintains the secondary-index sets that let every
// usage-accounting and account-lookup path avoid a full-keyspace scan. Each
// index is a Redis set of entity ids; a companion "<index>:empty" marker
// short-circuits repeated SCAN fallbacks once a bucket is confirmed empty.
package index

import (
	"context"
	"regexp"
	"time"

	"github.com/nulpointcorp/apirelay/internal/kv"
)

// emptyMarkerTTL bounds how long a confirmed-empty bucket is trusted before
// the next lookup re-checks the keyspace, in case a write raced the marker.
const emptyMarkerTTL = time.Hour

// Index wraps a single index set key and the store it lives in.
type Index struct {
	store *kv.Store
	key   string
}

// New returns an Index bound to key.
func New(store *kv.Store, key string) *Index {
	return &Index{store: store, key: key}
}

// Add records id as active in this index and clears any stale empty
// marker. It issues its own SADD and DEL round trips, outside any pipeline.
func (idx *Index) Add(ctx context.Context, id string) error {
	if err := idx.store.SAdd(ctx, idx.key, id); err != nil {
		return err
	}
	return idx.store.Del(ctx, idx.key+":empty")
}

// Members returns every id currently indexed, without falling back to scan.
func (idx *Index) Members(ctx context.Context) ([]string, error) {
	return idx.store.SMembers(ctx, idx.key)
}

// GetAllIDs implements the getAllIdsByIndex fallback: consult the empty
// marker, then the index set, and only fall back to a pattern scan (with
// extractID pulling the id out of each matched key) when both are
// inconclusive. A successful scan repopulates the index so later lookups
// skip straight to the set.
func (idx *Index) GetAllIDs(ctx context.Context, scanPattern string, extractID *regexp.Regexp) ([]string, error) {
	if empty, _, err := idx.store.Get(ctx, idx.key+":empty"); err == nil && empty == "1" {
		return nil, nil
	}

	members, err := idx.store.SMembers(ctx, idx.key)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		return members, nil
	}

	keys, err := idx.store.ChunkedScan(ctx, scanPattern)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		m := extractID.FindStringSubmatch(k)
		if len(m) < 2 || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		ids = append(ids, m[1])
	}

	if len(ids) == 0 {
		if err := idx.store.Set(ctx, idx.key+":empty", "1", emptyMarkerTTL); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := idx.store.SAdd(ctx, idx.key, ids...); err != nil {
		return nil, err
	}

	return ids, nil
}

// Remove drops id from the index. Used when an entity is deleted rather
// than merely inactive for a bucket.
func (idx *Index) Remove(ctx context.Context, id string) error {
	return idx.store.SRem(ctx, idx.key, id)
}
