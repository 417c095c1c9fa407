package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds dispatcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of groups in flight.
	// 1 dispatches groups strictly one after another.
	MaxConcurrency int

	// Timeout bounds a single group dispatch including its retries.
	// Zero means no per-group deadline beyond the caller's context.
	Timeout time.Duration

	// Logger receives dispatch events. Nil uses the global logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the configuration used by the async client.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
	}
}

// SendFunc performs one batch call for the group at index.
type SendFunc[T any] func(ctx context.Context, index int, group Commands) (T, error)

// Dispatcher sends chunked groups. Unlike pages, groups carry no cursor
// dependency on each other, so they may run in parallel.
type Dispatcher[T any] struct {
	send   SendFunc[T]
	config Config
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher around send.
func NewDispatcher[T any](send SendFunc[T], config Config) *Dispatcher[T] {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	logger := log.With().Str("component", "batch").Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Dispatcher[T]{
		send:   send,
		config: config,
		logger: logger,
	}
}

// Dispatch sends every group and returns results indexed like groups.
// The first failing group cancels the ones not yet finished and its error
// is returned; no partial results are returned.
func (d *Dispatcher[T]) Dispatch(ctx context.Context, groups []Commands) ([]T, error) {
	results := make([]T, len(groups))
	if len(groups) == 0 {
		return results, nil
	}

	start := time.Now()
	d.logger.Debug().
		Int("groups", len(groups)).
		Int("max_concurrency", d.config.MaxConcurrency).
		Msg("Dispatching batch groups")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.MaxConcurrency)

	for i, group := range groups {
		g.Go(func() error {
			groupCtx := gctx
			if d.config.Timeout > 0 {
				var cancel context.CancelFunc
				groupCtx, cancel = context.WithTimeout(gctx, d.config.Timeout)
				defer cancel()
			}

			result, err := d.send(groupCtx, i, group)
			if err != nil {
				d.logger.Warn().
					Err(err).
					Int("group", i).
					Int("commands", len(group)).
					Msg("Batch group failed")
				return fmt.Errorf("batch group %d: %w", i, err)
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.logger.Debug().
		Int("groups", len(groups)).
		Dur("duration", time.Since(start)).
		Msg("Batch dispatch complete")

	return results, nil
}
