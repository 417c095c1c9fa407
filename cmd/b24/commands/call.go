package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Sternrassler/bitrix24-client/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCallCommand(v *viper.Viper) *cobra.Command {
	var (
		pairs    []string
		rawJSON  string
		fetchAll bool
	)

	cmd := &cobra.Command{
		Use:   "call METHOD",
		Short: "Call a REST method",
		Long: `Call a single REST method and print its result.

Parameters are given as key=value pairs using Bitrix24 bracket notation, as a
JSON object, or both (pairs override the JSON object):

  b24 call crm.lead.list -p 'filter[>ID]=100' -p 'select[]=ID' -p 'select[]=TITLE' --all
  b24 call crm.lead.get --params '{"id": 42}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := buildParams(rawJSON, pairs)
			if err != nil {
				return err
			}

			cfg, cleanup, err := clientConfig(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer cleanup()

			var result json.RawMessage
			err = client.Session(cmd.Context(), cfg, func(c *client.Client) error {
				var callErr error
				result, callErr = c.CallMethod(cmd.Context(), args[0], params, fetchAll)
				return callErr
			})
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), v.GetString("output"), result)
		},
	}

	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "parameter as key=value (repeatable, supports a[b]=c and a[]=c)")
	cmd.Flags().StringVar(&rawJSON, "params", "", "parameters as a JSON object")
	cmd.Flags().BoolVarP(&fetchAll, "all", "a", false, "follow pagination and return every item")

	return cmd
}

// buildParams merges a JSON object with key=value pairs.
func buildParams(rawJSON string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &params); err != nil {
			return nil, fmt.Errorf("--params: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--param %q: want key=value", pair)
		}
		if err := setParam(params, key, value); err != nil {
			return nil, fmt.Errorf("--param %q: %w", pair, err)
		}
	}
	return params, nil
}

// setParam stores value under a bracketed key such as "filter[>ID]" or
// "select[]".
func setParam(params map[string]any, key, value string) error {
	path, err := splitKey(key)
	if err != nil {
		return err
	}

	current := params
	for i, part := range path {
		last := i == len(path)-1
		next := ""
		if !last {
			next = path[i+1]
		}

		switch {
		case last:
			current[part] = value
			return nil
		case next == "" && i+1 == len(path)-1:
			list, _ := current[part].([]any)
			current[part] = append(list, value)
			return nil
		case next == "":
			return fmt.Errorf("empty brackets must be last")
		default:
			child, ok := current[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				current[part] = child
			}
			current = child
		}
	}
	return nil
}

func splitKey(key string) ([]string, error) {
	name, rest, found := strings.Cut(key, "[")
	if name == "" {
		return nil, fmt.Errorf("missing parameter name")
	}
	path := []string{name}
	if !found {
		return path, nil
	}
	rest = "[" + rest
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("malformed key %q", key)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("unbalanced brackets in %q", key)
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path, nil
}
