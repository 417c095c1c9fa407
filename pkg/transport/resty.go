package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultUserAgent is sent when RestyConfig.UserAgent is empty.
const DefaultUserAgent = "bitrix24-client-go/0.1"

// RestyConfig configures the resty-backed session.
type RestyConfig struct {
	// Timeout is the client-wide ceiling for one exchange.
	Timeout time.Duration

	// UserAgent header value.
	UserAgent string

	// HTTPClient replaces the underlying *http.Client (custom TLS, proxies).
	HTTPClient *http.Client

	// Logger receives resty's internal messages. Nil uses the global logger.
	Logger *zerolog.Logger
}

// Resty is a Transport backed by a single resty client. One Resty is one
// session: its connection pool is shared by every call issued through it
// and released by Close.
type Resty struct {
	client *resty.Client
}

// NewResty opens a session.
func NewResty(cfg RestyConfig) *Resty {
	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	client.
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent)

	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	logger := log.With().Str("component", "transport").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	client.SetLogger(restyLogger{logger: logger})

	return &Resty{client: client}
}

// Send implements Transport. params are sent as the JSON request body.
func (r *Resty) Send(ctx context.Context, method, url string, params map[string]any, timeout time.Duration) (int, []byte, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if params == nil {
		params = map[string]any{}
	}

	resp, err := r.client.R().
		SetContext(attemptCtx).
		SetBody(params).
		Execute(method, url)
	if err != nil {
		return 0, nil, Classify(ctx, url, err)
	}

	return resp.StatusCode(), resp.Body(), nil
}

// Close releases idle pooled connections.
func (r *Resty) Close() error {
	r.client.GetClient().CloseIdleConnections()
	return nil
}

// restyLogger routes resty's printf-style logging into zerolog.
type restyLogger struct {
	logger zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) { l.logger.Error().Msgf(format, v...) }
func (l restyLogger) Warnf(format string, v ...any)  { l.logger.Warn().Msgf(format, v...) }
func (l restyLogger) Debugf(format string, v ...any) { l.logger.Debug().Msgf(format, v...) }
