// Package commands implements the b24 command-line interface.
package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/bitrix24-client/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCommand builds the b24 command tree. Each tree owns its viper
// instance, so several trees can coexist in one process.
func NewRootCommand(info BuildInfo) *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "b24",
		Short: "Bitrix24 REST CLI",
		Long: `A command-line interface for the Bitrix24 REST API.

Calls any REST method, follows list pagination, splits large batches and can
run a small HTTP proxy that exposes the client with retries, pacing and
caching in front of a portal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.b24/config.yml)")
	flags.StringP("url", "u", "", "portal base URL, e.g. https://example.bitrix24.com")
	flags.StringP("token", "t", "", "webhook key or OAuth access token")
	flags.Int64("user-id", 0, "user id for OAuth-style addressing (0 for webhooks)")
	flags.Duration("timeout", 0, "per-attempt HTTP timeout (default 10s)")
	flags.Int("max-retries", 3, "retries after the first attempt on 503 / QUERY_LIMIT_EXCEEDED / network errors")
	flags.String("retry-strategy", "exponential", "fixed, linear, logarithmic, exponential or exponential_jitter")
	flags.Duration("rate-limit-pause", 0, "base retry delay (default 500ms)")
	flags.Duration("max-delay", 0, "upper bound for one retry delay (default 30s)")
	flags.Int("max-concurrent", 0, "max requests in flight for parallel commands (default 10)")
	flags.Float64("rps", 2, "client-side request pacing, requests per second (0 disables)")
	flags.Int("burst", 50, "client-side pacing burst")
	flags.Bool("cache", false, "cache responses of *.get and *.fields methods")
	flags.String("redis", "", "redis address for a shared response cache (implies --cache)")
	flags.Duration("cache-ttl", 0, "cache entry lifetime (default 5m)")
	flags.StringP("output", "o", "json", "output format (json, yaml, table)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error, disabled)")
	flags.Bool("log-pretty", false, "human-readable log output")

	for _, name := range []string{
		"config", "url", "token", "user-id", "timeout", "max-retries", "retry-strategy",
		"rate-limit-pause", "max-delay", "max-concurrent", "rps", "burst", "cache", "redis",
		"cache-ttl", "output", "log-level", "log-pretty",
	} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(newCallCommand(v))
	rootCmd.AddCommand(newBatchCommand(v))
	rootCmd.AddCommand(newServeCommand(v))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}

func initConfig(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".b24"))
		v.SetConfigType("yml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("B24")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && v.GetString("config") != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if _, err := logging.ParseLevel(v.GetString("log-level")); err != nil {
		return err
	}
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(v.GetString("log-level")),
		Pretty: v.GetBool("log-pretty"),
		Output: os.Stderr,
	})
	return nil
}

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "b24 %s (commit %s, built %s)\n", info.Version, info.Commit, info.Date)
			return err
		},
	}
}
