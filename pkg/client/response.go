package client

import (
	"bytes"
	"encoding/json"
	"maps"
	"net/http"

	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
)

// Request is one logical REST call. It is not modified once built;
// WithParam returns a copy.
type Request struct {
	Method string
	Params map[string]any
	URL    string
}

// WithParam returns a copy of r with key set to value.
func (r Request) WithParam(key string, value any) Request {
	params := make(map[string]any, len(r.Params)+1)
	maps.Copy(params, r.Params)
	params[key] = value
	r.Params = params
	return r
}

// Response is a successful, validated Bitrix24 response.
type Response struct {
	// Result is the raw "result" member.
	Result json.RawMessage

	// Next is the offset of the next page of a list method.
	Next *int

	// Total is the total item count of a list method.
	Total *int

	// Time is the server timing block.
	Time *ratelimit.Timing

	// StatusCode is the HTTP status of the response.
	StatusCode int
}

// Page is a formatted response.
type Page struct {
	// Result is the formatted payload; a JSON array for list methods.
	Result json.RawMessage

	// Next and Total are only set for fetchAll calls.
	Next  *int
	Total *int
}

// Validator turns a raw HTTP exchange into a Response or an error.
type Validator interface {
	Validate(status int, body []byte) (*Response, error)
}

// Formatter post-processes a validated Response.
type Formatter interface {
	Format(resp *Response, fetchAll bool) (Page, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(status int, body []byte) (*Response, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(status int, body []byte) (*Response, error) {
	return f(status, body)
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(resp *Response, fetchAll bool) (Page, error)

// Format implements Formatter.
func (f FormatterFunc) Format(resp *Response, fetchAll bool) (Page, error) {
	return f(resp, fetchAll)
}

// envelope is the JSON shape of every Bitrix24 response.
type envelope struct {
	Result           json.RawMessage   `json:"result"`
	Error            json.RawMessage   `json:"error"`
	ErrorDescription string            `json:"error_description"`
	Next             *int              `json:"next"`
	Total            *int              `json:"total"`
	Time             *ratelimit.Timing `json:"time"`
}

// DefaultValidator accepts JSON objects without an "error" member.
//
//   - body with "error": *APIError (description defaults to "No description")
//   - non-JSON body with a non-2xx status: *HTTPError
//   - any other non-JSON or non-object body: *InvalidResponseError
//   - JSON object with a non-2xx status: *HTTPError
type DefaultValidator struct{}

// Validate implements Validator.
func (DefaultValidator) Validate(status int, body []byte) (*Response, error) {
	failed := status < http.StatusOK || status >= http.StatusMultipleChoices

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if failed {
			return nil, &HTTPError{StatusCode: status, Body: truncate(string(body), 1024)}
		}
		return nil, &InvalidResponseError{Reason: "expected a JSON object", Body: string(body)}
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		if failed {
			return nil, &HTTPError{StatusCode: status, Body: truncate(string(body), 1024)}
		}
		return nil, &InvalidResponseError{Reason: err.Error(), Body: string(body)}
	}

	if len(env.Error) > 0 && string(env.Error) != "null" {
		description := env.ErrorDescription
		if description == "" {
			description = "No description"
		}
		return nil, &APIError{
			Code:        errorCode(env.Error),
			Description: description,
			StatusCode:  status,
		}
	}

	if failed {
		return nil, &HTTPError{StatusCode: status, Body: truncate(string(body), 1024)}
	}

	return &Response{
		Result:     env.Result,
		Next:       env.Next,
		Total:      env.Total,
		Time:       env.Time,
		StatusCode: status,
	}, nil
}

func errorCode(raw json.RawMessage) string {
	var code string
	if err := json.Unmarshal(raw, &code); err == nil {
		return code
	}
	return string(raw)
}

// DefaultFormatter unwraps list results that Bitrix24 nests under a single
// key, e.g. tasks.task.list returns {"tasks": [...]}. Next and Total are
// passed through for fetchAll calls only.
type DefaultFormatter struct{}

// Format implements Formatter.
func (DefaultFormatter) Format(resp *Response, fetchAll bool) (Page, error) {
	page := Page{Result: resp.Result}
	if len(page.Result) == 0 {
		page.Result = json.RawMessage(`[]`)
	}

	if trimmed := bytes.TrimSpace(page.Result); len(trimmed) > 0 && trimmed[0] == '{' {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &object); err == nil && len(object) == 1 {
			for _, value := range object {
				if isArray(value) {
					page.Result = value
				}
			}
		}
	}

	if fetchAll {
		page.Next = resp.Next
		page.Total = resp.Total
	}
	return page, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
