package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/bitrix24-client/pkg/batch"
	"github.com/Sternrassler/bitrix24-client/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Per-command outcome labels in batch output.
const (
	statusOK      = "ok"
	statusError   = "error"
	statusSkipped = "skipped"
)

type batchRow struct {
	Key    string          `json:"key"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func newBatchCommand(v *viper.Viper) *cobra.Command {
	var (
		file     string
		inline   []string
		halt     bool
		parallel bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run many REST commands through the batch endpoint",
		Long: `Run keyed sub-commands through the batch endpoint. Input larger than 50
commands is split into several batch calls and the results are merged.

Commands come from a YAML or JSON file (order is preserved):

  lead: crm.lead.get?id=5
  deals:
    method: crm.deal.list
    params:
      filter: {">ID": 10}

or from repeated --cmd key=method?query flags. Use "-f -" to read stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cmds batch.Commands
			if file != "" {
				data, err := readInput(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				cmds, err = parseCommands(data)
				if err != nil {
					return err
				}
			}
			for _, pair := range inline {
				key, query, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("--cmd %q: want key=method?query", pair)
				}
				cmds = append(cmds, batch.Command{Key: key, Query: query})
			}
			if len(cmds) == 0 {
				return errors.New("no commands given (use --file or --cmd)")
			}

			cfg, cleanup, err := clientConfig(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer cleanup()

			var result *client.BatchResult
			if parallel {
				err = client.AsyncSession(cmd.Context(), cfg, func(c *client.AsyncClient) error {
					var batchErr error
					result, batchErr = c.Batch(cmd.Context(), cmds, halt)
					return batchErr
				})
			} else {
				err = client.Session(cmd.Context(), cfg, func(c *client.Client) error {
					var batchErr error
					result, batchErr = c.Batch(cmd.Context(), cmds, halt)
					return batchErr
				})
			}
			if err != nil {
				return err
			}

			data, err := json.Marshal(batchRows(result))
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), data)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON file with keyed commands (- for stdin)")
	cmd.Flags().StringArrayVar(&inline, "cmd", nil, "command as key=method?query (repeatable)")
	cmd.Flags().BoolVar(&halt, "halt", false, "stop each batch call at its first failing command")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "send batch calls concurrently (bounded by --max-concurrent)")

	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

type commandDef struct {
	Method string         `yaml:"method"`
	Params map[string]any `yaml:"params"`
}

// parseCommands reads a mapping of key to either a "method?query" string or
// a {method, params} object, keeping document order.
func parseCommands(data []byte) (batch.Commands, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse commands: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("parse commands: empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse commands: line %d: want a mapping of key to command", root.Line)
	}

	cmds := make(batch.Commands, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		switch value.Kind {
		case yaml.ScalarNode:
			cmds = append(cmds, batch.Command{Key: key.Value, Query: value.Value})
		case yaml.MappingNode:
			var def commandDef
			if err := value.Decode(&def); err != nil {
				return nil, fmt.Errorf("parse commands: %s: %w", key.Value, err)
			}
			if def.Method == "" {
				return nil, fmt.Errorf("parse commands: %s: missing method", key.Value)
			}
			cmds = append(cmds, batch.NewCommand(key.Value, def.Method, def.Params))
		default:
			return nil, fmt.Errorf("parse commands: line %d: unsupported value for %s", value.Line, key.Value)
		}
	}
	return cmds, nil
}

func batchRows(result *client.BatchResult) []batchRow {
	rows := make([]batchRow, 0, len(result.Keys))
	for _, key := range result.Keys {
		row := batchRow{Key: key, Status: statusSkipped}
		if apiErr, ok := result.Errors[key]; ok {
			row.Status = statusError
			row.Error = apiErr.Error()
		} else if res, ok := result.Results[key]; ok {
			row.Status = statusOK
			row.Result = res
		}
		rows = append(rows, row)
	}
	return rows
}
