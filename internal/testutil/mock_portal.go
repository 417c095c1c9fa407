// Package testutil provides a mock Bitrix24 portal for tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines one canned portal response.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// RecordedRequest is a request received by the portal.
type RecordedRequest struct {
	Method string
	Path   string
	Token  string
	UserID int64
	Params map[string]any

	// Body is the raw request body as sent.
	Body string
}

// MockPortal is a configurable Bitrix24 portal for testing. Handlers are
// keyed by REST method name, e.g. "crm.lead.list".
type MockPortal struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []RecordedRequest

	inflight    int
	maxInflight int

	// Operating is reported in the "time" block of generated responses.
	Operating float64
}

// NewMockPortal starts a mock portal.
func NewMockPortal() *MockPortal {
	mock := &MockPortal{
		handlers: make(map[string]http.HandlerFunc),
	}
	mock.SetHandler("batch", mock.batchHandler)

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the portal base URL.
func (m *MockPortal) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockPortal) Close() {
	m.server.Close()
}

// Reset clears recorded requests.
func (m *MockPortal) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.maxInflight = 0
}

// SetHandler sets a custom handler for a REST method.
func (m *MockPortal) SetHandler(method string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// SetResponse configures a fixed response for a REST method.
func (m *MockPortal) SetResponse(method string, resp MockResponse) {
	m.SetSequence(method, resp)
}

// SetSequence answers successive calls of method with resps in order; the
// last response repeats.
func (m *MockPortal) SetSequence(method string, resps ...MockResponse) {
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(method, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[min(next, len(resps)-1)]
		next++
		mu.Unlock()

		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp.Body))
	})
}

// SetResult answers method with {"result": result, "time": {...}}.
func (m *MockPortal) SetResult(method string, result any) {
	m.SetHandler(method, func(w http.ResponseWriter, r *http.Request) {
		m.writeJSON(w, http.StatusOK, map[string]any{"result": result})
	})
}

// SetList serves items through Bitrix24 paging: pageSize items per call,
// offset taken from the "start" parameter, "next" set while items remain.
func (m *MockPortal) SetList(method string, items []any, pageSize int) {
	m.SetHandler(method, func(w http.ResponseWriter, r *http.Request) {
		start := startOf(paramsOf(r))
		start = max(0, min(start, len(items)))
		end := min(start+pageSize, len(items))

		pageItems := make([]any, 0, end-start)
		pageItems = append(pageItems, items[start:end]...)

		body := map[string]any{
			"result": pageItems,
			"total":  len(items),
		}
		if end < len(items) {
			body["next"] = end
		}
		m.writeJSON(w, http.StatusOK, body)
	})
}

// SetAPIError answers method with a Bitrix24 error body.
func (m *MockPortal) SetAPIError(method string, status int, code, description string) {
	m.SetHandler(method, func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"error": code}
		if description != "" {
			body["error_description"] = description
		}
		m.writeJSON(w, status, body)
	})
}

// RequestCount returns the number of requests made to the portal.
func (m *MockPortal) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// MethodCount returns the number of requests for one REST method.
func (m *MockPortal) MethodCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if req.Method == method {
			n++
		}
	}
	return n
}

// Requests returns a copy of the recorded requests.
func (m *MockPortal) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// MaxInflight returns the highest number of requests handled at once.
func (m *MockPortal) MaxInflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight
}

func (m *MockPortal) serve(w http.ResponseWriter, r *http.Request) {
	rec := parsePath(r.URL.Path)
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		rec.Body = string(raw)
		r.Body = io.NopCloser(bytes.NewReader(raw))
	}
	rec.Params = paramsOf(r)
	r = r.WithContext(context.WithValue(r.Context(), paramsKey{}, rec.Params))

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	m.inflight++
	m.maxInflight = max(m.maxInflight, m.inflight)
	handler, exists := m.handlers[rec.Method]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if !exists {
		m.writeJSON(w, http.StatusNotFound, map[string]any{
			"error":             "ERROR_METHOD_NOT_FOUND",
			"error_description": "Method not found!",
		})
		return
	}
	handler(w, r)
}

// batchHandler answers every sub-command with {"method": ..., "query": ...}.
// Sub-commands for methods named "fail.*" are reported in result_error.
func (m *MockPortal) batchHandler(w http.ResponseWriter, r *http.Request) {
	params := paramsOf(r)
	cmds, _ := params["cmd"].(map[string]any)

	results := map[string]any{}
	errs := map[string]any{}
	for key, raw := range cmds {
		query, _ := raw.(string)
		method, rawQuery, _ := strings.Cut(query, "?")
		if strings.HasPrefix(method, "fail.") {
			errs[key] = map[string]any{"error": "ERROR_CORE", "error_description": "command failed"}
			continue
		}
		results[key] = map[string]any{"method": method, "query": rawQuery}
	}

	var resultError any = errs
	if len(errs) == 0 {
		// Bitrix24 encodes an empty map as an empty array.
		resultError = []any{}
	}

	m.writeJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{
			"result":       results,
			"result_error": resultError,
			"result_total": []any{},
			"result_next":  []any{},
			"result_time":  []any{},
		},
	})
}

func (m *MockPortal) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	m.mu.Lock()
	operating := m.Operating
	m.mu.Unlock()

	if _, ok := body["error"]; !ok {
		now := time.Now()
		body["time"] = map[string]any{
			"start":              float64(now.UnixNano()) / 1e9,
			"finish":             float64(now.UnixNano()) / 1e9,
			"duration":           0.001,
			"processing":         0.001,
			"date_start":         now.Format(time.RFC3339),
			"date_finish":        now.Format(time.RFC3339),
			"operating_reset_at": now.Add(10 * time.Minute).Unix(),
			"operating":          operating,
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// parsePath splits /rest/[user/]token/method.
func parsePath(path string) RecordedRequest {
	rec := RecordedRequest{Path: path}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] != "rest" {
		return rec
	}
	parts = parts[1:]

	switch len(parts) {
	case 2:
		rec.Token, rec.Method = parts[0], parts[1]
	case 3:
		rec.UserID, _ = strconv.ParseInt(parts[0], 10, 64)
		rec.Token, rec.Method = parts[1], parts[2]
	}
	rec.Method = strings.TrimSuffix(rec.Method, ".json")
	return rec
}

// paramsOf decodes a JSON body, falling back to form values. The result is
// cached on the request context by serve.
func paramsOf(r *http.Request) map[string]any {
	if cached, ok := r.Context().Value(paramsKey{}).(map[string]any); ok {
		return cached
	}

	params := map[string]any{}
	if r.Body != nil && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(r.Body).Decode(&params)
	} else if err := r.ParseForm(); err == nil {
		for k, v := range r.Form {
			params[k] = v[0]
		}
	}
	return params
}

type paramsKey struct{}

func startOf(params map[string]any) int {
	switch v := params["start"].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
