package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Sternrassler/bitrix24-client/pkg/cache"
	"github.com/Sternrassler/bitrix24-client/pkg/client"
	"github.com/Sternrassler/bitrix24-client/pkg/logging"
	"github.com/Sternrassler/bitrix24-client/pkg/metrics"
	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

// maxBodyBytes bounds proxied request bodies.
const maxBodyBytes = 1 << 20

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an HTTP proxy in front of the portal",
		Long: `Serve the client over HTTP. Every call goes through the client's retry,
pacing, operating-time tracking and optional cache.

  POST /rest/{method}   JSON body as parameters, ?all=true follows pagination
  GET  /rest/{method}   query string as parameters (bracket notation allowed)
  GET  /health          liveness
  GET  /ready           readiness (session open, cache reachable)
  GET  /metrics         Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, cleanup, err := clientConfig(ctx, v)
			if err != nil {
				return err
			}
			defer cleanup()

			b24, err := client.NewAsync(cfg)
			if err != nil {
				return err
			}
			if err := b24.Open(ctx); err != nil {
				return err
			}
			defer b24.Close()

			logger := logging.NewLogger("proxy")
			server := &http.Server{
				Addr:              v.GetString("listen"),
				Handler:           newServeMux(b24, cfg.Cache, v.GetDuration("request-timeout"), logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", server.Addr).Str("portal", cfg.BaseURL).Msg("Starting Bitrix24 proxy")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().String("listen", ":8080", "listen address")
	cmd.Flags().Duration("request-timeout", 30*time.Second, "deadline for one proxied call including retries")
	_ = v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("request-timeout", cmd.Flags().Lookup("request-timeout"))

	return cmd
}

// caller is the part of the client the proxy needs.
type caller interface {
	IsOpen() bool
	CallMethod(ctx context.Context, method string, params map[string]any, fetchAll bool) (json.RawMessage, error)
}

func newServeMux(c caller, cacheManager *cache.Manager, timeout time.Duration, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(c, cacheManager))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/rest/{method}", proxyHandler(c, timeout, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(c caller, cacheManager *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.IsOpen() {
			http.Error(w, "client session closed", http.StatusServiceUnavailable)
			return
		}
		if cacheManager != nil {
			if err := cacheManager.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

func proxyHandler(c caller, timeout time.Duration, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.PathValue("method")

		params, err := requestParams(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "INVALID_REQUEST", Description: err.Error()})
			return
		}
		fetchAll, _ := strconv.ParseBool(r.URL.Query().Get("all"))

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		start := time.Now()
		result, err := c.CallMethod(ctx, method, params, fetchAll)
		if err != nil {
			status, body := errorResponse(err)
			logger.Warn().Err(err).Str("method", method).Int("status", status).Msg("Proxied call failed")
			writeJSON(w, status, body)
			return
		}

		logger.Debug().Str("method", method).Bool("all", fetchAll).Dur("duration", time.Since(start)).Msg("Proxied call")
		writeJSON(w, http.StatusOK, resultBody{Result: result})
	}
}

// requestParams reads parameters from a JSON body (POST) or the query
// string. The reserved "all" query key is not forwarded.
func requestParams(r *http.Request) (map[string]any, error) {
	params := map[string]any{}

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &params); err != nil {
				return nil, fmt.Errorf("body must be a JSON object: %w", err)
			}
		}
		return params, nil
	}

	for key, values := range r.URL.Query() {
		if key == "all" {
			continue
		}
		for _, value := range values {
			if err := setParam(params, key, value); err != nil {
				return nil, err
			}
		}
	}
	return params, nil
}

type resultBody struct {
	Result json.RawMessage `json:"result"`
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// errorResponse maps a client error to a proxy status and body.
func errorResponse(err error) (int, errorBody) {
	var (
		apiErr  *client.APIError
		httpErr *client.HTTPError
	)
	switch {
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		if status < http.StatusBadRequest {
			status = http.StatusBadRequest
		}
		return status, errorBody{Error: apiErr.Code, Description: apiErr.Description}
	case errors.Is(err, ratelimit.ErrMethodBlocked):
		return http.StatusTooManyRequests, errorBody{Error: "OPERATION_TIME_LIMIT", Description: err.Error()}
	case errors.Is(err, client.ErrRetryExhausted):
		return http.StatusServiceUnavailable, errorBody{Error: "RETRY_EXHAUSTED", Description: err.Error()}
	case errors.Is(err, client.ErrContextCancelled):
		return http.StatusGatewayTimeout, errorBody{Error: "TIMEOUT", Description: err.Error()}
	case errors.Is(err, client.ErrInvalidUsage):
		return http.StatusBadRequest, errorBody{Error: "INVALID_REQUEST", Description: err.Error()}
	case errors.As(err, &httpErr):
		return http.StatusBadGateway, errorBody{Error: "UPSTREAM_HTTP_" + strconv.Itoa(httpErr.StatusCode), Description: err.Error()}
	default:
		return http.StatusBadGateway, errorBody{Error: "UPSTREAM_ERROR", Description: err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
