package cachekit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(map[string]interface{}{"stage": "stage1", "model": "m1", "user_query": "q", "council_models": []interface{}{"m1", "m2"}})
	b := Fingerprint(map[string]interface{}{"council_models": []interface{}{"m1", "m2"}, "model": "m1", "stage": "stage1", "user_query": "q"})
	assert.Equal(t, a, b, "key order must not affect the fingerprint")
	assert.Regexp(t, `^council:[0-9a-f]{64}$`, a)
}

func TestFingerprintDiffersOnContent(t *testing.T) {
	a := Fingerprint(map[string]interface{}{"stage": "stage1", "model": "m1"})
	b := Fingerprint(map[string]interface{}{"stage": "stage1", "model": "m2"})
	assert.NotEqual(t, a, b)
}

func TestMemoryStoreDisabledIsNoop(t *testing.T) {
	s := NewMemoryStore(false, nil)
	require.NoError(t, s.Set(context.Background(), "k", `{"v":1}`, nil))
	_, found, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreSetGetRoundTrip(t *testing.T) {
	s := NewMemoryStore(true, nil)
	require.NoError(t, s.Set(context.Background(), "k", `{"v":1}`, nil))
	val, found, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"v":1}`, val)
}

func TestMemoryStoreExpiresLazily(t *testing.T) {
	s := NewMemoryStore(true, nil)
	ttl := 10 * time.Millisecond
	require.NoError(t, s.Set(context.Background(), "k", `{"v":1}`, &ttl))

	time.Sleep(20 * time.Millisecond)
	_, found, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreUpsertResetsCreatedAt(t *testing.T) {
	s := NewMemoryStore(true, nil)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", `{"v":1}`, nil))

	s.mu.Lock()
	first := s.data["k"].createdAt
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Set(ctx, "k", `{"v":2}`, nil))

	s.mu.Lock()
	second := s.data["k"].createdAt
	s.mu.Unlock()

	assert.True(t, second.After(first))
}

func TestMemoryStoreDefaultTTLAppliesWhenSetOmitsOne(t *testing.T) {
	ttl := 10 * time.Millisecond
	s := NewMemoryStore(true, &ttl)
	require.NoError(t, s.Set(context.Background(), "k", `{"v":1}`, nil))

	time.Sleep(20 * time.Millisecond)
	_, found, _ := s.Get(context.Background(), "k")
	assert.False(t, found)
}
