package client

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/bitrix24-client/pkg/cache"
	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/Sternrassler/bitrix24-client/pkg/retry"
	"github.com/Sternrassler/bitrix24-client/pkg/transport"
	"github.com/rs/zerolog"
)

// Defaults applied by DefaultConfig and, for zero durations, by New.
const (
	DefaultTimeout               = 10 * time.Second
	DefaultRateLimitPause        = 500 * time.Millisecond
	DefaultMaxRetries            = 3
	DefaultMaxDelay              = 30 * time.Second
	DefaultMaxConcurrentRequests = 10
	DefaultCacheTTL              = 5 * time.Minute
)

// Config holds the client configuration. It is copied by New and treated as
// immutable afterwards.
type Config struct {
	// BaseURL of the portal, e.g. "https://example.bitrix24.com" (REQUIRED).
	BaseURL string

	// AccessToken is the webhook key or OAuth access token (REQUIRED).
	AccessToken string

	// UserID selects OAuth-style addressing when > 0.
	UserID int64

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// Retry
	RateLimitPause time.Duration // base delay passed to RetryStrategy
	MaxRetries     int           // retries after the first attempt
	MaxDelay       time.Duration // upper bound for one delay
	RetryStrategy  retry.Strategy

	// Hooks. Nil uses DefaultValidator / DefaultFormatter.
	ResponseValidator Validator
	ResponseFormatter Formatter

	// MaxConcurrentRequests caps in-flight requests of an AsyncClient.
	MaxConcurrentRequests int

	// Transport overrides the resty session opened by Open.
	Transport transport.Transport

	// Cache stores responses of read methods. Nil disables caching.
	Cache    *cache.Manager
	CacheTTL time.Duration

	// Pacing. RequestsPerSecond <= 0 disables the client-side pacer.
	RequestsPerSecond float64
	Burst             int

	// UserAgent header sent by the default transport.
	UserAgent string

	// Logger overrides the component logger derived from the global one.
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration with the portal's documented pacing
// and an exponential retry policy.
func DefaultConfig(baseURL, accessToken string) Config {
	return Config{
		BaseURL:               baseURL,
		AccessToken:           accessToken,
		Timeout:               DefaultTimeout,
		RateLimitPause:        DefaultRateLimitPause,
		MaxRetries:            DefaultMaxRetries,
		MaxDelay:              DefaultMaxDelay,
		RetryStrategy:         retry.Default(),
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		CacheTTL:              DefaultCacheTTL,
		RequestsPerSecond:     ratelimit.DefaultRequestsPerSecond,
		Burst:                 ratelimit.DefaultBurst,
	}
}

// validate checks cfg before any I/O. Every failure wraps ErrInvalidConfiguration.
func (cfg Config) validate() error {
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	if strings.TrimSpace(cfg.AccessToken) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, ErrMissingAccessToken)
	}

	switch {
	case cfg.UserID < 0:
		return fmt.Errorf("%w: user_id must be >= 0 (got %d)", ErrInvalidConfiguration, cfg.UserID)
	case cfg.Timeout < 0:
		return fmt.Errorf("%w: timeout must be >= 0 (got %v)", ErrInvalidConfiguration, cfg.Timeout)
	case cfg.RateLimitPause < 0:
		return fmt.Errorf("%w: rate_limit_pause must be >= 0 (got %v)", ErrInvalidConfiguration, cfg.RateLimitPause)
	case cfg.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0 (got %d)", ErrInvalidConfiguration, cfg.MaxRetries)
	case cfg.MaxDelay < 0:
		return fmt.Errorf("%w: max_delay must be >= 0 (got %v)", ErrInvalidConfiguration, cfg.MaxDelay)
	case cfg.MaxConcurrentRequests < 0:
		return fmt.Errorf("%w: max_concurrent_requests must be >= 0 (got %d)", ErrInvalidConfiguration, cfg.MaxConcurrentRequests)
	case cfg.CacheTTL < 0:
		return fmt.Errorf("%w: cache_ttl must be >= 0 (got %v)", ErrInvalidConfiguration, cfg.CacheTTL)
	}

	return nil
}

// withDefaults fills zero durations and hooks. MaxRetries is left alone:
// zero is a valid "single attempt" setting.
func (cfg Config) withDefaults() Config {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimitPause == 0 {
		cfg.RateLimitPause = DefaultRateLimitPause
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.RetryStrategy == nil {
		cfg.RetryStrategy = retry.Default()
	}
	if cfg.ResponseValidator == nil {
		cfg.ResponseValidator = DefaultValidator{}
	}
	if cfg.ResponseFormatter == nil {
		cfg.ResponseFormatter = DefaultFormatter{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func validateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidBaseURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidBaseURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidBaseURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidBaseURL, raw)
	}
	return nil
}

// buildURL returns the endpoint for method:
// <base>/rest/<user_id>/<token>/<method> with a user, <base>/rest/<token>/<method> without.
func buildURL(baseURL, token string, userID int64, method string) string {
	if userID > 0 {
		return fmt.Sprintf("%s/rest/%d/%s/%s", baseURL, userID, token, method)
	}
	return fmt.Sprintf("%s/rest/%s/%s", baseURL, token, method)
}

// portalHost is the cache namespace for a base URL.
func portalHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	return u.Host
}
