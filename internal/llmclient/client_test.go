package llmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/councilkit/engine/internal/corekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *corekit.Config {
	cfg := corekit.DefaultConfig()
	cfg.OpenRouterMaxRetries = 2
	cfg.OpenRouterRetryBaseSeconds = 0.001
	cfg.OpenRouterAuthCooldownSecs = 1
	return cfg
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testConfig(), WithHTTPClient(srv.Client()))
	res := c.Call(context.Background(), "m1", []Message{{Role: "user", Content: "hi"}}, CallOptions{CallID: "c1"})

	require.True(t, res.OK)
	assert.Equal(t, "hello", res.Content)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 2, *res.Usage.TotalTokens)
	assert.Equal(t, "c1", res.CallID)
}

func TestCallAuthFailureSetsCooldown(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.OpenRouterAuthCooldownSecs = 60
	c := New(srv.URL, "key", cfg, WithHTTPClient(srv.Client()))

	res := c.Call(context.Background(), "m1", nil, CallOptions{CallID: "c1"})
	require.False(t, res.OK)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// Second call during cooldown must not touch the network.
	res2 := c.Call(context.Background(), "m1", nil, CallOptions{CallID: "c2"})
	require.False(t, res2.OK)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "no network call should be issued during cooldown")
}

func TestCallRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testConfig(), WithHTTPClient(srv.Client()))
	res := c.Call(context.Background(), "m1", nil, CallOptions{CallID: "c1"})

	require.True(t, res.OK)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCallTerminalClientErrorDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testConfig(), WithHTTPClient(srv.Client()))
	res := c.Call(context.Background(), "m1", nil, CallOptions{CallID: "c1"})

	require.False(t, res.OK)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCallExhaustsRetriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testConfig(), WithHTTPClient(srv.Client()))
	res := c.Call(context.Background(), "m1", nil, CallOptions{CallID: "c1"})

	require.False(t, res.OK)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls)) // max_retries=2 -> 3 total attempts
}

func TestCallRespectsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.OpenRouterMaxRetries = 0
	c := New(srv.URL, "key", cfg, WithHTTPClient(srv.Client()))

	res := c.Call(context.Background(), "m1", nil, CallOptions{CallID: "c1", Timeout: 5 * time.Millisecond})
	require.False(t, res.OK)
}
