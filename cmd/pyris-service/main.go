// pyris-service connects the LMS to the Pyris pipeline service: it starts
// pipeline runs, authenticates their status callbacks and turns domain
// events into proactive pipeline runs.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"pyris/internal/config"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pyris-service",
		Short:         "Pyris job orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newVariantsCmd())
	return root
}

// loadConfig layers defaults, the --config file, PYRIS_* env and flags,
// then installs the configured default logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.DefaultSources(path, cmd.Flags())...)
	if err != nil {
		return nil, err
	}
	if err := setupLogger(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg config.LogConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
