package client

import (
	"context"
	"encoding/json"

	"github.com/Sternrassler/bitrix24-client/pkg/batch"
)

// AsyncClient issues calls concurrently. At most MaxConcurrentRequests
// requests await a response at any time; calls blocked on the limit or
// sleeping between retries do not hold a slot.
type AsyncClient struct {
	core *core
}

// NewAsync validates cfg and creates a concurrent client. No I/O happens
// until Open.
func NewAsync(cfg Config) (*AsyncClient, error) {
	c, err := newCore(cfg, true)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{core: c}, nil
}

// AsyncSession opens an async client for cfg, runs fn and closes the
// client on every exit path.
func AsyncSession(ctx context.Context, cfg Config, fn func(c *AsyncClient) error) (err error) {
	c, err := NewAsync(cfg)
	if err != nil {
		return err
	}
	if err := c.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(c)
}

// Open creates the HTTP session. Returns ErrSessionAlreadyOpen if open.
func (c *AsyncClient) Open(ctx context.Context) error {
	return c.core.open(ctx)
}

// Close releases the HTTP session. Returns ErrSessionNotOpen if not open.
// Calls still in flight keep the session they started with.
func (c *AsyncClient) Close() error {
	return c.core.close()
}

// IsOpen reports whether the session is open.
func (c *AsyncClient) IsOpen() bool {
	return c.core.isOpen()
}

// Go starts a call on its own goroutine. The request, including a copy of
// params, is built before Go returns. Cancelling ctx aborts the call's I/O
// and retry delays.
func (c *AsyncClient) Go(ctx context.Context, method string, params map[string]any, fetchAll bool) *Future {
	f := &Future{done: make(chan struct{})}

	req, err := c.core.request(method, params)
	if err != nil {
		f.err = err
		close(f.done)
		return f
	}

	go func() {
		defer close(f.done)
		f.result, f.err = c.core.do(ctx, req, fetchAll)
	}()
	return f
}

// CallMethod starts a call and waits for its result.
func (c *AsyncClient) CallMethod(ctx context.Context, method string, params map[string]any, fetchAll bool) (json.RawMessage, error) {
	return c.Go(ctx, method, params, fetchAll).Await(ctx)
}

// Batch sends cmds through the batch endpoint. Groups are dispatched in
// parallel, bounded by MaxConcurrentRequests; results merge in command order.
func (c *AsyncClient) Batch(ctx context.Context, cmds batch.Commands, halt bool) (*BatchResult, error) {
	return c.core.batch(ctx, cmds, halt, c.core.config.MaxConcurrentRequests)
}

// Config returns a copy of the effective configuration.
func (c *AsyncClient) Config() Config {
	return c.core.config
}

// Future is the pending result of AsyncClient.Go.
type Future struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Done is closed once the call has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the call finishes or ctx ends. Ending ctx only stops
// waiting; the call itself follows the context passed to Go.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
}

// AwaitAll waits for every future and returns their results in order. The
// first error encountered, in order, is returned with nil results.
func AwaitAll(ctx context.Context, futures ...*Future) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(futures))
	for i, f := range futures {
		result, err := f.Await(ctx)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}
