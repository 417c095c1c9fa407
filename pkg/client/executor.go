package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/bitrix24-client/pkg/batch"
	"github.com/Sternrassler/bitrix24-client/pkg/cache"
	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/Sternrassler/bitrix24-client/pkg/retry"
	"github.com/Sternrassler/bitrix24-client/pkg/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Executor performs one logical call, retries included.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// sleepFunc waits for d or until ctx ends.
type sleepFunc func(ctx context.Context, d time.Duration) error

// executor is the retrying RequestExecutor shared by Client and AsyncClient.
type executor struct {
	transport transport.Transport
	validator Validator
	strategy  retry.Strategy

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	timeout    time.Duration

	// gate bounds requests awaiting I/O. Nil for the sync client.
	gate    *semaphore.Weighted
	pacer   *ratelimit.Pacer
	tracker *ratelimit.Tracker

	cache    *cache.Manager
	cacheTTL time.Duration
	portal   string
	userID   int64

	sleep  sleepFunc
	logger zerolog.Logger
}

func newExecutor(cfg Config, tr transport.Transport, gate *semaphore.Weighted, pacer *ratelimit.Pacer, tracker *ratelimit.Tracker, logger zerolog.Logger) *executor {
	return &executor{
		transport:  tr,
		validator:  cfg.ResponseValidator,
		strategy:   cfg.RetryStrategy,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RateLimitPause,
		maxDelay:   cfg.MaxDelay,
		timeout:    cfg.Timeout,
		gate:       gate,
		pacer:      pacer,
		tracker:    tracker,
		cache:      cfg.Cache,
		cacheTTL:   cfg.CacheTTL,
		portal:     portalHost(cfg.BaseURL),
		userID:     cfg.UserID,
		sleep:      sleepContext,
		logger:     logger,
	}
}

// Execute sends req, retrying retryable failures up to maxRetries times.
// Non-retryable failures are returned after the attempt that produced them.
func (e *executor) Execute(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()
	defer func() {
		b24RequestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	key, cacheable := e.cacheKey(req)
	if cacheable {
		if resp := e.cached(ctx, key); resp != nil {
			return resp, nil
		}
	}

	if err := e.tracker.Acquire(ctx, req.Method); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		b24ErrorsTotal.WithLabelValues(string(ErrorClassBlocked)).Inc()
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if err := e.pacer.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, cancelled(ctxErr)
			}
			// The limiter refuses early when the wait would outlast the deadline.
			if _, ok := ctx.Deadline(); ok {
				return nil, cancelled(context.DeadlineExceeded)
			}
			return nil, fmt.Errorf("pacer: %w", err)
		}

		e.logger.Debug().
			Str("method", req.Method).
			Int("attempt", attempt).
			Msg("Executing Bitrix24 request")

		resp, body, err := e.attempt(ctx, req)
		if err == nil {
			if attempt > 0 {
				e.logger.Info().
					Str("method", req.Method).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			e.tracker.Update(req.Method, resp.Time)
			if cacheable {
				e.store(ctx, key, body)
			}
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(err)
		}

		errClass := classifyError(err)
		b24ErrorsTotal.WithLabelValues(string(errClass)).Inc()

		if !isRetryable(err) {
			e.logger.Debug().
				Err(err).
				Str("method", req.Method).
				Str("error_class", string(errClass)).
				Msg("Non-retryable error")
			return nil, err
		}

		if attempt >= e.maxRetries {
			b24RetryExhaustedTotal.WithLabelValues(string(errClass)).Inc()
			e.logger.Warn().
				Err(err).
				Str("method", req.Method).
				Str("error_class", string(errClass)).
				Int("attempts", attempt+1).
				Msg("Retry attempts exhausted")
			return nil, &RetryExhaustedError{Attempts: attempt + 1, Err: err}
		}

		delay, derr := e.strategy.NextDelay(attempt, e.baseDelay, e.maxDelay)
		if derr != nil {
			return nil, fmt.Errorf("retry delay: %w", derr)
		}

		b24RetriesTotal.WithLabelValues(string(errClass)).Inc()
		b24RetryBackoffSeconds.WithLabelValues(string(errClass)).Observe(delay.Seconds())

		e.logger.Warn().
			Err(err).
			Str("method", req.Method).
			Str("error_class", string(errClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := e.sleep(ctx, delay); err != nil {
			e.logger.Warn().
				Str("method", req.Method).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, cancelled(err)
		}
	}
}

// attempt performs one HTTP exchange. The gate is held only while waiting
// for the response.
func (e *executor) attempt(ctx context.Context, req Request) (*Response, []byte, error) {
	if e.gate != nil {
		if err := e.gate.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
	}

	b24InflightRequests.Inc()
	status, body, err := e.transport.Send(ctx, http.MethodPost, req.URL, req.Params, e.timeout)
	b24InflightRequests.Dec()

	if e.gate != nil {
		e.gate.Release(1)
	}

	if err != nil {
		b24RequestsTotal.WithLabelValues(req.Method, "transport_error").Inc()
		return nil, nil, transport.Classify(ctx, req.URL, err)
	}

	b24RequestsTotal.WithLabelValues(req.Method, strconv.Itoa(status)).Inc()

	resp, err := e.validator.Validate(status, body)
	if err != nil {
		return nil, nil, err
	}
	if resp == nil {
		return nil, nil, &InvalidResponseError{Reason: "validator returned no response"}
	}
	return resp, body, nil
}

func (e *executor) cacheKey(req Request) (cache.CacheKey, bool) {
	if e.cache == nil || !cache.IsCacheable(req.Method) {
		return cache.CacheKey{}, false
	}
	return cache.CacheKey{
		Portal: e.portal,
		Method: req.Method,
		Query:  batch.EncodeQuery(req.Params),
		UserID: e.userID,
	}, true
}

func (e *executor) cached(ctx context.Context, key cache.CacheKey) *Response {
	entry, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
		}
		return nil
	}

	resp, err := e.validator.Validate(http.StatusOK, entry.Data)
	if err != nil || resp == nil {
		_ = e.cache.Delete(ctx, key)
		return nil
	}

	e.logger.Debug().Str("method", key.Method).Msg("Serving response from cache")
	return resp
}

func (e *executor) store(ctx context.Context, key cache.CacheKey, body []byte) {
	if err := e.cache.Put(ctx, key, body, e.cacheTTL); err != nil {
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache response")
		return
	}
	e.logger.Debug().
		Str("method", key.Method).
		Dur("ttl", e.cacheTTL).
		Msg("Cached response")
}

// sleepContext waits for d, returning early with ctx's error.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
