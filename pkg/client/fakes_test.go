package client

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// reply is one scripted transport outcome.
type reply struct {
	status int
	body   string
	err    error
}

func okReply(body string) reply { return reply{status: http.StatusOK, body: body} }

// scriptedTransport answers calls with replies in order; the last repeats.
type scriptedTransport struct {
	mu      sync.Mutex
	replies []reply
	urls    []string
	params  []map[string]any
	calls   atomic.Int32
}

func newScripted(replies ...reply) *scriptedTransport {
	return &scriptedTransport{replies: replies}
}

func (s *scriptedTransport) Send(_ context.Context, _ string, url string, params map[string]any, _ time.Duration) (int, []byte, error) {
	s.mu.Lock()
	n := int(s.calls.Add(1)) - 1
	r := s.replies[min(n, len(s.replies)-1)]
	s.urls = append(s.urls, url)
	s.params = append(s.params, params)
	s.mu.Unlock()
	return r.status, []byte(r.body), r.err
}

func (s *scriptedTransport) Calls() int { return int(s.calls.Load()) }

// panicTransport fails the test process if any I/O is attempted.
type panicTransport struct{}

func (panicTransport) Send(context.Context, string, string, map[string]any, time.Duration) (int, []byte, error) {
	panic("unexpected transport call")
}

// testExecutor builds an executor around tr whose sleeps are recorded
// instead of waited.
func testExecutor(tr *scriptedTransport, mutate func(*Config)) (*executor, *[]time.Duration) {
	cfg := DefaultConfig("https://portal.example", "key")
	cfg.RequestsPerSecond = 0
	if mutate != nil {
		mutate(&cfg)
	}
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	e := newExecutor(cfg, tr, nil, nil, ratelimit.NewTracker(logger), logger)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return e, &delays
}

// pageExecutor returns scripted responses for pagination tests.
type pageExecutor struct {
	responses []*Response
	errs      []error
	requests  []Request
}

func (p *pageExecutor) Execute(_ context.Context, req Request) (*Response, error) {
	n := len(p.requests)
	p.requests = append(p.requests, req)
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	return p.responses[n], nil
}

func intPtr(v int) *int { return &v }
