package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by --output.
const (
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTable = "table"
)

// render writes a JSON document in the requested format.
func render(w io.Writer, format string, data json.RawMessage) error {
	switch format {
	case formatJSON, "":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case formatYAML:
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(value); err != nil {
			return err
		}
		return encoder.Close()
	case formatTable:
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return renderTable(w, value)
	default:
		return fmt.Errorf("unknown output format %q (want json, yaml or table)", format)
	}
}

func renderTable(w io.Writer, value any) error {
	table := tablewriter.NewWriter(w)

	switch v := value.(type) {
	case []any:
		columns := columnsOf(v)
		if columns == nil {
			table.Header("Value")
			for _, item := range v {
				_ = table.Append([]string{cell(item)})
			}
			break
		}
		table.Header(toAny(columns)...)
		for _, item := range v {
			row, _ := item.(map[string]any)
			values := make([]string, len(columns))
			for i, col := range columns {
				values[i] = cell(row[col])
			}
			_ = table.Append(values)
		}
	case map[string]any:
		table.Header("Key", "Value")
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			_ = table.Append([]string{k, cell(v[k])})
		}
	default:
		_, err := fmt.Fprintln(w, cell(v))
		return err
	}

	return table.Render()
}

// columnsOf returns the sorted union of keys when every item is an
// object, nil otherwise.
func columnsOf(items []any) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		for k := range obj {
			seen[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	slices.Sort(columns)
	return columns
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
