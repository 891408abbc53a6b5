// Package cmd defines the marmelspade command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/app"
	"github.com/JakeFAU/marmelspade/internal/config"
	"github.com/JakeFAU/marmelspade/internal/logging"
)

const defaultConfigFile = "config.json"

// state is filled in by the root PersistentPreRunE and read by subcommands.
type state struct {
	cfgFile string
	devLog  bool

	cfg     config.Config
	cfgPath string
	logger  *zap.Logger

	// Overridable in tests.
	newLogger  func(development bool) (*zap.Logger, error)
	registerer prometheus.Registerer
}

func (s *state) newApp() (*app.App, error) {
	return app.New(s.cfg, app.Options{ConfigPath: s.cfgPath, Registerer: s.registerer}, s.logger)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithState(&state{newLogger: logging.New})
}

func newRootCmdWithState(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marmelspade",
		Short: "Harvest an inventory tree into Meilisearch and serve search over it.",
		Long: heredoc.Doc(`
			marmelspade walks the directory trees of a remote inventory API, archives
			what it found, rebuilds a Meilisearch index from it and serves a small
			paginated search endpoint over the result.

			Configuration is read from a JSON file (default config.json) and may be
			overridden with MARMELSPADE_* environment variables, for example
			MARMELSPADE_SEARCH_MASTER_KEY.
		`),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolveConfigPath(st.cfgFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := st.newLogger(cfg.Logging.Development || st.devLog)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			st.cfg, st.cfgPath, st.logger = cfg, path, logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if st.logger != nil {
				// Sync fails on stderr for some terminals; nothing to do about it.
				_ = st.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&st.cfgFile, "config", defaultConfigFile, "path to the JSON config file")
	cmd.PersistentFlags().BoolVar(&st.devLog, "dev-log", false, "human readable debug logging")

	cmd.AddCommand(newHarvestCmd(st), newServeCmd(st), newRotateKeyCmd(st))
	return cmd
}

// resolveConfigPath lets the default config file be absent, in which case
// only defaults and the environment apply. An explicit --config must exist.
func resolveConfigPath(path string, explicit bool) (string, error) {
	if path == "" {
		return "", nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %s: %w", path, err)
	}
	return path, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
