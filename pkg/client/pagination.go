package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// paginator follows the "next" cursor of list methods. Pages are fetched
// strictly one after another since each offset comes from the previous
// response.
type paginator struct {
	exec      Executor
	formatter Formatter
	logger    zerolog.Logger
}

// FetchAll issues req and its follow-up pages until a page has no next
// cursor or no items, and returns the items in server order. An error on
// any page is returned as-is and the items gathered so far are discarded.
func (p *paginator) FetchAll(ctx context.Context, req Request) ([]json.RawMessage, error) {
	items := make([]json.RawMessage, 0)
	current := req
	start := startParam(req.Params)

	for pageNo := 1; ; pageNo++ {
		resp, err := p.exec.Execute(ctx, current)
		if err != nil {
			if pageNo > 1 {
				p.logger.Debug().
					Err(err).
					Str("method", req.Method).
					Int("page", pageNo).
					Int("discarded", len(items)).
					Msg("Pagination aborted")
			}
			return nil, err
		}

		page, err := p.formatter.Format(resp, true)
		if err != nil {
			return nil, fmt.Errorf("format page %d: %w", pageNo, err)
		}

		if !isArray(page.Result) {
			return nil, fmt.Errorf("%w: fetchAll on %s: result is not a list", ErrInvalidUsage, req.Method)
		}

		var pageItems []json.RawMessage
		if err := json.Unmarshal(page.Result, &pageItems); err != nil {
			return nil, &InvalidResponseError{Reason: fmt.Sprintf("page %d: %v", pageNo, err)}
		}

		b24PagesFetchedTotal.WithLabelValues(req.Method).Inc()
		items = append(items, pageItems...)

		p.logger.Debug().
			Str("method", req.Method).
			Int("page", pageNo).
			Int("items", len(pageItems)).
			Int("collected", len(items)).
			Msg("Fetched page")

		if page.Next == nil || len(pageItems) == 0 {
			return items, nil
		}

		if *page.Next <= start {
			return nil, &InvalidResponseError{
				Reason: fmt.Sprintf("next cursor %d does not advance past %d", *page.Next, start),
			}
		}

		start = *page.Next
		current = current.WithParam("start", start)
	}
}

// startParam reads a caller-supplied "start" offset.
func startParam(params map[string]any) int {
	switch v := params["start"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
