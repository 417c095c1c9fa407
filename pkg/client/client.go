// Package client provides the Bitrix24 REST client: retrying request
// execution, transparent pagination, batch chunking and a blocking as well as
// a future-returning concurrent call surface.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/Sternrassler/bitrix24-client/pkg/batch"
	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/Sternrassler/bitrix24-client/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Client is the blocking Bitrix24 client. Every call runs on the caller's
// goroutine; batch groups are sent one after another.
//
// A Client must be opened before use:
//
//	c, err := client.New(client.DefaultConfig(baseURL, token))
//	if err != nil {
//		return err
//	}
//	if err := c.Open(ctx); err != nil {
//		return err
//	}
//	defer c.Close()
//
//	leads, err := c.CallMethod(ctx, "crm.lead.list", nil, true)
type Client struct {
	core *core
}

// New validates cfg and creates a client. No I/O happens until Open.
func New(cfg Config) (*Client, error) {
	c, err := newCore(cfg, false)
	if err != nil {
		return nil, err
	}
	return &Client{core: c}, nil
}

// Session opens a client for cfg, runs fn and closes the client on every
// exit path.
func Session(ctx context.Context, cfg Config, fn func(c *Client) error) (err error) {
	c, err := New(cfg)
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
func (c *Client) Open(ctx context.Context) error {
	return c.core.open(ctx)
}

// Close releases the HTTP session. Returns ErrSessionNotOpen if not open.
func (c *Client) Close() error {
	return c.core.close()
}

// IsOpen reports whether the session is open.
func (c *Client) IsOpen() bool {
	return c.core.isOpen()
}

// CallMethod calls method with params. With fetchAll every page of a list
// method is fetched and the concatenated items are returned as a JSON array.
func (c *Client) CallMethod(ctx context.Context, method string, params map[string]any, fetchAll bool) (json.RawMessage, error) {
	return c.core.call(ctx, method, params, fetchAll)
}

// Batch sends cmds through the batch endpoint in groups of batch.DefaultLimit.
// halt stops a group at its first failing command.
func (c *Client) Batch(ctx context.Context, cmds batch.Commands, halt bool) (*BatchResult, error) {
	return c.core.batch(ctx, cmds, halt, 1)
}

// Config returns a copy of the effective configuration.
func (c *Client) Config() Config {
	return c.core.config
}

// core holds the state shared by Client and AsyncClient.
type core struct {
	config Config
	logger zerolog.Logger

	// gate bounds in-flight requests (async only).
	gate    *semaphore.Weighted
	pacer   *ratelimit.Pacer
	tracker *ratelimit.Tracker

	mu        sync.RWMutex
	transport transport.Transport
	exec      *executor
	pager     *paginator
}

func newCore(cfg Config, bounded bool) (*core, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := log.With().Str("component", "b24-client").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	c := &core{
		config:  cfg,
		logger:  logger,
		pacer:   ratelimit.NewPacer(cfg.RequestsPerSecond, cfg.Burst),
		tracker: ratelimit.NewTracker(logger),
	}
	if bounded {
		c.gate = semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests))
	}
	return c, nil
}

func (c *core) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return ErrSessionAlreadyOpen
	}

	tr := c.config.Transport
	if tr == nil {
		restyLogger := c.logger.With().Str("component", "transport").Logger()
		tr = transport.NewResty(transport.RestyConfig{
			Timeout:   c.config.Timeout,
			UserAgent: c.config.UserAgent,
			Logger:    &restyLogger,
		})
	}

	c.transport = tr
	c.exec = newExecutor(c.config, tr, c.gate, c.pacer, c.tracker, c.logger)
	c.pager = &paginator{exec: c.exec, formatter: c.config.ResponseFormatter, logger: c.logger}

	c.logger.Debug().
		Str("base_url", c.config.BaseURL).
		Bool("bounded", c.gate != nil).
		Msg("Session opened")
	return nil
}

func (c *core) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return ErrSessionNotOpen
	}

	var err error
	// A caller-supplied transport is owned by the caller.
	if c.config.Transport == nil {
		if closer, ok := c.transport.(interface{ Close() error }); ok {
			err = closer.Close()
		}
	}

	c.transport = nil
	c.exec = nil
	c.pager = nil

	c.logger.Debug().Msg("Session closed")
	return err
}

func (c *core) isOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport != nil
}

// session returns the executor and paginator of the open session.
func (c *core) session() (*executor, *paginator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.exec == nil {
		return nil, nil, ErrSessionNotOpen
	}
	return c.exec, c.pager, nil
}

func (c *core) call(ctx context.Context, method string, params map[string]any, fetchAll bool) (json.RawMessage, error) {
	req, err := c.request(method, params)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, fetchAll)
}

// request builds an immutable Request from the caller's arguments. params
// is copied, so the caller may reuse its map once request returns.
func (c *core) request(method string, params map[string]any) (Request, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return Request{}, fmt.Errorf("%w: method is required", ErrInvalidUsage)
	}

	req := Request{
		Method: method,
		Params: maps.Clone(params),
		URL:    buildURL(c.config.BaseURL, c.config.AccessToken, c.config.UserID, method),
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return req, nil
}

func (c *core) do(ctx context.Context, req Request, fetchAll bool) (json.RawMessage, error) {
	exec, pager, err := c.session()
	if err != nil {
		return nil, err
	}

	if fetchAll {
		items, err := pager.FetchAll(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("encode items: %w", err)
		}
		return out, nil
	}

	resp, err := exec.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	page, err := c.config.ResponseFormatter.Format(resp, false)
	if err != nil {
		return nil, fmt.Errorf("format response: %w", err)
	}
	return page.Result, nil
}

func (c *core) batch(ctx context.Context, cmds batch.Commands, halt bool, concurrency int) (*BatchResult, error) {
	exec, _, err := c.session()
	if err != nil {
		return nil, err
	}

	url := buildURL(c.config.BaseURL, c.config.AccessToken, c.config.UserID, BatchMethod)
	return runBatch(ctx, exec, url, cmds, halt, concurrency, c.logger)
}
