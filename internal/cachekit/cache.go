// Package cachekit implements the cache store (C2): a fingerprinted
// read-through cache for idempotent stage outputs with TTL, grounded on
// orchestration.RoutingCache interface (get/set with TTL,
// disabled-mode no-op) but keyed by the SHA-256 canonical-JSON fingerprint
// names instead of a route signature.
package cachekit

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the cache interface both the in-memory and Redis-backed
// implementations satisfy.
type Store interface {
	Get(ctx context.Context, key string) (valueJSON string, found bool, err error)
	Set(ctx context.Context, key string, valueJSON string, ttl *time.Duration) error
}

// Fingerprint computes the deterministic cache key for parts:
// "council:" + hex(sha256(canonical_json(parts))), where canonical JSON
// has sorted keys and no whitespace
func Fingerprint(parts map[string]interface{}) string {
	canon := canonicalJSON(parts)
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("council:%x", sum)
}

// canonicalJSON renders v with sorted object keys and no insignificant
// whitespace. encoding/json already sorts map[string]interface{} keys and
// emits no whitespace by default, so this is a thin documented wrapper
// rather than a hand-rolled serializer.
func canonicalJSON(v interface{}) []byte {
	b, err := json.Marshal(sortedValue(v))
	if err != nil {
		// Fingerprint inputs are always marshalable engine-internal
		// values; a failure here means a programming error upstream.
		panic(fmt.Sprintf("cachekit: cannot canonicalize fingerprint parts: %v", err))
	}
	return b
}

// sortedValue recursively normalizes maps so that even non-string-keyed
// nested structures serialize deterministically across Go map iteration
// order, though encoding/json already sorts map[string]interface{} keys.
func sortedValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(val))
		for _, k := range keys {
			out[k] = sortedValue(val[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return v
	}
}

type entry struct {
	valueJSON string
	createdAt time.Time
	expiresAt *time.Time
}

// MemoryStore is the default in-memory cache, grounded on
// orchestration.RoutingCache's in-process map-plus-mutex idiom.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]entry
	enabled bool
	ttl     *time.Duration
}

// NewMemoryStore builds a MemoryStore. enabled=false makes Get always miss
// and Set a no-op, for disabled mode. defaultTTL is used
// when Set is called with ttl=nil; a nil defaultTTL means "no expiration".
func NewMemoryStore(enabled bool, defaultTTL *time.Duration) *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]entry),
		enabled: enabled,
		ttl:     defaultTTL,
	}
}

// Get returns the cached value for key, lazily evicting it first if its
// expiry has passed.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if !s.enabled {
		return "", false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return "", false, nil
	}
	if e.expiresAt != nil && time.Now().After(*e.expiresAt) {
		delete(s.data, key)
		return "", false, nil
	}
	return e.valueJSON, true, nil
}

// Set is an upsert: created_at resets to now on overwrite. ttl=nil falls
// back to the store's default TTL; both nil means no expiration.
func (s *MemoryStore) Set(_ context.Context, key string, valueJSON string, ttl *time.Duration) error {
	if !s.enabled {
		return nil
	}
	effective := ttl
	if effective == nil {
		effective = s.ttl
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{valueJSON: valueJSON, createdAt: time.Now()}
	if effective != nil {
		exp := e.createdAt.Add(*effective)
		e.expiresAt = &exp
	}
	s.data[key] = e
	return nil
}
