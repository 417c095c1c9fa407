package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/bitrix24-client/pkg/cache"
	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/Sternrassler/bitrix24-client/pkg/retry"
	"github.com/Sternrassler/bitrix24-client/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

var unavailable = reply{status: http.StatusServiceUnavailable, body: `{"error":"QUERY_LIMIT_EXCEEDED","error_description":"Too many requests"}`}

func leadRequest() Request {
	return Request{Method: "crm.lead.get", Params: map[string]any{"id": 1}, URL: "https://portal.example/rest/key/crm.lead.get"}
}

func TestExecutor_Success(t *testing.T) {
	tr := newScripted(okReply(`{"result":{"ID":"1"}}`))
	e, delays := testExecutor(tr, nil)

	resp, err := e.Execute(context.Background(), leadRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":"1"}`, string(resp.Result))
	assert.Equal(t, 1, tr.Calls())
	assert.Empty(t, *delays)
	assert.Equal(t, "https://portal.example/rest/key/crm.lead.get", tr.urls[0])
	assert.Equal(t, map[string]any{"id": 1}, tr.params[0])
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	tr := newScripted(unavailable, unavailable, okReply(`{"result":true}`))
	e, delays := testExecutor(tr, func(c *Config) {
		c.MaxRetries = 2
		c.RateLimitPause = time.Second
		c.MaxDelay = time.Minute
		c.RetryStrategy = retry.Exponential{}
	})

	before := testutil.ToFloat64(b24RetriesTotal.WithLabelValues(string(ErrorClassRateLimit)))

	resp, err := e.Execute(context.Background(), leadRequest())
	require.NoError(t, err)
	assert.Equal(t, "true", string(resp.Result))
	assert.Equal(t, 3, tr.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)

	after := testutil.ToFloat64(b24RetriesTotal.WithLabelValues(string(ErrorClassRateLimit)))
	assert.InDelta(t, 2, after-before, 1e-9)
}

func TestExecutor_RetryExhausted(t *testing.T) {
	tr := newScripted(unavailable)
	e, delays := testExecutor(tr, func(c *Config) {
		c.MaxRetries = 2
		c.RetryStrategy = retry.Fixed{}
		c.RateLimitPause = 100 * time.Millisecond
	})

	_, err := e.Execute(context.Background(), leadRequest())
	require.Error(t, err)
	assert.Equal(t, 3, tr.Calls())
	assert.Len(t, *delays, 2)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeQueryLimitExceeded, apiErr.Code)
}

func TestExecutor_ZeroRetries(t *testing.T) {
	tr := newScripted(unavailable)
	e, delays := testExecutor(tr, func(c *Config) { c.MaxRetries = 0 })

	_, err := e.Execute(context.Background(), leadRequest())
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, tr.Calls())
	assert.Empty(t, *delays)
}

func TestExecutor_NonRetryable(t *testing.T) {
	tests := []struct {
		name  string
		reply reply
		check func(t *testing.T, err error)
	}{
		{
			name:  "expired token",
			reply: reply{status: http.StatusUnauthorized, body: `{"error":"expired_token","error_description":"expired"}`},
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, "expired_token", apiErr.Code)
			},
		},
		{
			name:  "not found",
			reply: reply{status: http.StatusNotFound, body: `{"error":"ERROR_METHOD_NOT_FOUND"}`},
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, "No description", apiErr.Description)
			},
		},
		{
			name:  "malformed json",
			reply: okReply(`{"result":`),
			check: func(t *testing.T, err error) {
				var invErr *InvalidResponseError
				require.ErrorAs(t, err, &invErr)
			},
		},
		{
			name:  "bad gateway",
			reply: reply{status: http.StatusBadGateway, body: `Bad Gateway`},
			check: func(t *testing.T, err error) {
				var httpErr *HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
			},
		},
		{
			name:  "dns failure",
			reply: reply{err: &transport.Error{Kind: transport.KindDNS, Err: errors.New("no such host")}},
			check: func(t *testing.T, err error) {
				var trErr *TransportError
				require.ErrorAs(t, err, &trErr)
				assert.Equal(t, transport.KindDNS, trErr.Kind)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newScripted(tt.reply)
			e, delays := testExecutor(tr, func(c *Config) { c.MaxRetries = 5 })

			_, err := e.Execute(context.Background(), leadRequest())
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrRetryExhausted)
			assert.Equal(t, 1, tr.Calls(), "non-retryable errors must not be retried")
			assert.Empty(t, *delays)
			tt.check(t, err)
		})
	}
}

func TestExecutor_RetriesTransientTransportErrors(t *testing.T) {
	tr := newScripted(
		reply{err: &transport.Error{Kind: transport.KindTimeout, Err: context.DeadlineExceeded}},
		reply{err: &transport.Error{Kind: transport.KindConnection, Err: errors.New("connection reset")}},
		okReply(`{"result":1}`),
	)
	e, delays := testExecutor(tr, func(c *Config) { c.MaxRetries = 3 })

	resp, err := e.Execute(context.Background(), leadRequest())
	require.NoError(t, err)
	assert.Equal(t, "1", string(resp.Result))
	assert.Equal(t, 3, tr.Calls())
	assert.Len(t, *delays, 2)
}

func TestExecutor_ClampsDelays(t *testing.T) {
	tr := newScripted(unavailable)
	e, delays := testExecutor(tr, func(c *Config) {
		c.MaxRetries = 4
		c.RateLimitPause = time.Second
		c.MaxDelay = 3 * time.Second
		c.RetryStrategy = retry.Exponential{}
	})

	_, err := e.Execute(context.Background(), leadRequest())
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, *delays)
}

func TestExecutor_CustomStrategy(t *testing.T) {
	tr := newScripted(unavailable, okReply(`{"result":1}`))
	e, delays := testExecutor(tr, func(c *Config) {
		c.MaxRetries = 1
		c.RetryStrategy = retry.Func(func(attempt int, base, max time.Duration) time.Duration {
			return 42 * time.Millisecond
		})
	})

	_, err := e.Execute(context.Background(), leadRequest())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{42 * time.Millisecond}, *delays)
}

func TestExecutor_CancelDuringDelay(t *testing.T) {
	tr := newScripted(unavailable)
	e, _ := testExecutor(tr, func(c *Config) {
		c.MaxRetries = 3
		c.RateLimitPause = 10 * time.Second
		c.RetryStrategy = retry.Fixed{}
	})
	e.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := e.Execute(ctx, leadRequest())

	assert.Less(t, time.Since(start), 5*time.Second, "delay must abort on cancellation")
	assert.ErrorIs(t, err, ErrContextCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, tr.Calls())
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	tr := newScripted(okReply(`{"result":1}`))
	e, _ := testExecutor(tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, leadRequest())
	assert.ErrorIs(t, err, ErrContextCancelled)
	assert.Equal(t, 0, tr.Calls())
}

func TestExecutor_PacerDeadlineIsCancellation(t *testing.T) {
	tr := newScripted(okReply(`{"result":true}`))
	e, _ := testExecutor(tr, nil)
	e.pacer = ratelimit.NewPacer(0.001, 1)
	require.NoError(t, e.pacer.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := e.Execute(ctx, leadRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContextCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, tr.Calls())
}

func TestExecutor_BlockedMethod(t *testing.T) {
	tr := newScripted(okReply(`{"result":1}`))
	e, _ := testExecutor(tr, nil)

	e.tracker.Update("crm.lead.get", &ratelimit.Timing{
		Operating:        470,
		OperatingResetAt: time.Now().Add(time.Minute).Unix(),
	})

	_, err := e.Execute(context.Background(), leadRequest())
	assert.ErrorIs(t, err, ratelimit.ErrMethodBlocked)
	assert.Equal(t, 0, tr.Calls())
}

func TestExecutor_UpdatesTracker(t *testing.T) {
	tr := newScripted(okReply(`{"result":1,"time":{"operating":12.5,"operating_reset_at":4102444800}}`))
	e, _ := testExecutor(tr, nil)

	_, err := e.Execute(context.Background(), leadRequest())
	require.NoError(t, err)

	state := e.tracker.GetState("crm.lead.get")
	assert.InDelta(t, 12.5, state.Operating, 1e-9)
}

func TestExecutor_Cache(t *testing.T) {
	manager, err := cache.NewManager(nil, cache.Config{MemorySize: 16})
	require.NoError(t, err)

	tr := newScripted(okReply(`{"result":{"ID":"1"}}`))
	e, _ := testExecutor(tr, func(c *Config) {
		c.Cache = manager
		c.CacheTTL = time.Minute
	})

	for range 3 {
		resp, err := e.Execute(context.Background(), leadRequest())
		require.NoError(t, err)
		assert.JSONEq(t, `{"ID":"1"}`, string(resp.Result))
	}
	assert.Equal(t, 1, tr.Calls(), "read method should be served from cache")

	list := Request{Method: "crm.lead.list", URL: "https://portal.example/rest/key/crm.lead.list"}
	for range 2 {
		_, err := e.Execute(context.Background(), list)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, tr.Calls(), "list methods are never cached")
}

// blockingTransport holds every request until released and records the
// highest number of concurrent sends.
type blockingTransport struct {
	release  chan struct{}
	inflight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
}

func (b *blockingTransport) Send(ctx context.Context, _, _ string, _ map[string]any, _ time.Duration) (int, []byte, error) {
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)

	b.mu.Lock()
	if n > b.peak.Load() {
		b.peak.Store(n)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	return http.StatusOK, []byte(`{"result":1}`), nil
}

func TestExecutor_GateBoundsInflight(t *testing.T) {
	bt := &blockingTransport{release: make(chan struct{})}
	cfg := DefaultConfig("https://portal.example", "key")
	cfg.RequestsPerSecond = 0
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	e := newExecutor(cfg, bt, semaphore.NewWeighted(2), nil, ratelimit.NewTracker(logger), logger)

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), Request{Method: "crm.lead.list", URL: "u"})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return bt.inflight.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), bt.inflight.Load())

	close(bt.release)
	wg.Wait()
	assert.Equal(t, int32(2), bt.peak.Load())
}
