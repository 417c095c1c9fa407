package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var b24PacerWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "b24_pacer_wait_seconds",
	Help:    "Time requests spent waiting for the client-side pacer",
	Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
})

// Portal defaults: 2 requests per second with a burst of 50 (leaky bucket).
const (
	DefaultRequestsPerSecond = 2.0
	DefaultBurst             = 50
)

// Pacer spaces requests issued by one client. A nil *Pacer never waits.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a pacer allowing rps requests per second with the given
// burst. rps <= 0 disables pacing and returns nil.
func NewPacer(rps float64, burst int) *Pacer {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent or ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	start := time.Now()
	err := p.limiter.Wait(ctx)
	b24PacerWaitSeconds.Observe(time.Since(start).Seconds())
	return err
}
