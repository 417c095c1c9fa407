package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/bitrix24-client/pkg/batch"
	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// BatchMethod is the REST method that executes grouped sub-commands.
const BatchMethod = "batch"

// BatchResult is the merged outcome of one or more batch calls.
type BatchResult struct {
	// Keys lists every command key in submission order.
	Keys []string

	// Results holds the result of each successful command.
	Results map[string]json.RawMessage

	// Errors holds the error of each failed command.
	Errors map[string]*APIError

	// Total and Next carry paging info for list sub-commands.
	Total map[string]int
	Next  map[string]int

	// Time holds per-command server timing.
	Time map[string]*ratelimit.Timing
}

func newBatchResult() *BatchResult {
	return &BatchResult{
		Keys:    []string{},
		Results: make(map[string]json.RawMessage),
		Errors:  make(map[string]*APIError),
		Total:   make(map[string]int),
		Next:    make(map[string]int),
		Time:    make(map[string]*ratelimit.Timing),
	}
}

// Result returns the result of the command with key, its *APIError when the
// command failed, or ErrInvalidUsage for an unknown key. A command skipped
// by halt has neither a result nor an error and returns (nil, nil).
func (r *BatchResult) Result(key string) (json.RawMessage, error) {
	if apiErr, ok := r.Errors[key]; ok {
		return nil, apiErr
	}
	if result, ok := r.Results[key]; ok {
		return result, nil
	}
	for _, k := range r.Keys {
		if k == key {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown batch key %q", ErrInvalidUsage, key)
}

// Decode unmarshals the result of key into v.
func (r *BatchResult) Decode(key string, v any) error {
	raw, err := r.Result(key)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: batch key %q has no result", ErrInvalidUsage, key)
	}
	return json.Unmarshal(raw, v)
}

// HasErrors reports whether any command failed.
func (r *BatchResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// batchEnvelope is the "result" member of a batch response. Bitrix24
// encodes empty maps as [] so every member is decoded lazily.
type batchEnvelope struct {
	Result      json.RawMessage `json:"result"`
	ResultError json.RawMessage `json:"result_error"`
	ResultTotal json.RawMessage `json:"result_total"`
	ResultNext  json.RawMessage `json:"result_next"`
	ResultTime  json.RawMessage `json:"result_time"`
}

type batchCommandError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// decodeBatch converts a batch response for group into a BatchResult.
func decodeBatch(resp *Response, group batch.Commands) (*BatchResult, error) {
	var env batchEnvelope
	if err := json.Unmarshal(resp.Result, &env); err != nil {
		return nil, &InvalidResponseError{Reason: "batch result: " + err.Error(), Body: string(resp.Result)}
	}

	out := newBatchResult()
	out.Keys = group.Keys()

	if err := decodeMember(env.Result, &out.Results); err != nil {
		return nil, &InvalidResponseError{Reason: "batch result.result: " + err.Error()}
	}

	var cmdErrors map[string]batchCommandError
	if err := decodeMember(env.ResultError, &cmdErrors); err != nil {
		return nil, &InvalidResponseError{Reason: "batch result.result_error: " + err.Error()}
	}
	for key, e := range cmdErrors {
		description := e.ErrorDescription
		if description == "" {
			description = "No description"
		}
		out.Errors[key] = &APIError{Code: e.Error, Description: description, StatusCode: resp.StatusCode}
	}

	if err := decodeMember(env.ResultTotal, &out.Total); err != nil {
		return nil, &InvalidResponseError{Reason: "batch result.result_total: " + err.Error()}
	}
	if err := decodeMember(env.ResultNext, &out.Next); err != nil {
		return nil, &InvalidResponseError{Reason: "batch result.result_next: " + err.Error()}
	}
	if err := decodeMember(env.ResultTime, &out.Time); err != nil {
		return nil, &InvalidResponseError{Reason: "batch result.result_time: " + err.Error()}
	}

	return out, nil
}

// decodeMember decodes a map member into dst, accepting [] and null as empty.
func decodeMember[V any](raw json.RawMessage, dst *map[string]V) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || trimmed[0] == '[' {
		return nil
	}
	decoded := make(map[string]V)
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*dst = decoded
	return nil
}

// mergeBatch combines per-group results in group order.
func mergeBatch(parts []*BatchResult) *BatchResult {
	out := newBatchResult()
	for _, part := range parts {
		if part == nil {
			continue
		}
		out.Keys = append(out.Keys, part.Keys...)
		for k, v := range part.Results {
			out.Results[k] = v
		}
		for k, v := range part.Errors {
			out.Errors[k] = v
		}
		for k, v := range part.Total {
			out.Total[k] = v
		}
		for k, v := range part.Next {
			out.Next[k] = v
		}
		for k, v := range part.Time {
			out.Time[k] = v
		}
	}
	return out
}

// runBatch chunks cmds and dispatches the groups with at most concurrency
// batch calls in flight.
func runBatch(ctx context.Context, exec Executor, url string, cmds batch.Commands, halt bool, concurrency int, logger zerolog.Logger) (*BatchResult, error) {
	groups, err := batch.Chunk(cmds, batch.DefaultLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUsage, err)
	}
	if len(groups) == 0 {
		return newBatchResult(), nil
	}

	send := func(ctx context.Context, _ int, group batch.Commands) (*BatchResult, error) {
		b24BatchGroupsTotal.Inc()
		resp, err := exec.Execute(ctx, Request{
			Method: BatchMethod,
			Params: batch.Payload(group, halt),
			URL:    url,
		})
		if err != nil {
			return nil, err
		}
		return decodeBatch(resp, group)
	}

	dispatcher := batch.NewDispatcher[*BatchResult](send, batch.Config{MaxConcurrency: concurrency, Logger: &logger})
	parts, err := dispatcher.Dispatch(ctx, groups)
	if err != nil {
		return nil, err
	}
	return mergeBatch(parts), nil
}
