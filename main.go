// Package main provides the uiannotate CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"uiannotate/internal/config"
)

var (
	cfgFile     string
	sessionRoot string
	logLevel    string
)

func main() {
	rootCmd := newRootCmd()

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "uiannotate",
		Short:         "Checkpoint and roll back UI annotation sessions",
		Long:          `uiannotate snapshots the record files, images and mirrored database rows of an annotation session and restores them on demand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&sessionRoot, "session", "s", "", "session root (overrides session_root)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")

	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(watchCmd())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if sessionRoot != "" {
		root, err := filepath.Abs(sessionRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve session root: %w", err)
		}
		cfg.SessionRoot = root
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "uiannotate",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
		Output:     os.Stderr,
	})
}

// withApp loads the configuration, starts an App and runs fn under the
// configured operation timeout
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app := NewApp(cfg, newLogger(cfg))

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.OperationTimeout)
	defer cancel()

	if err := app.Startup(ctx); err != nil {
		return err
	}
	defer app.Shutdown(ctx)

	return fn(ctx, app)
}

func watchCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Create auto-<n> checkpoints while the session changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.AutoCheckpoint.Enabled && !force {
				return fmt.Errorf("auto_checkpoint.enabled is false; set it or pass --force")
			}

			logger := newLogger(cfg)
			app := NewApp(cfg, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.Startup(ctx); err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			if err := app.StartAutoCheckpoint(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "watching %s, checkpoint every %d changes (Ctrl+C to stop)\n",
				cfg.SessionRoot, cfg.AutoCheckpoint.Interval)
			<-ctx.Done()

			logger.Info("shutting down")
			return app.StopAutoCheckpoint()
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "run even when auto_checkpoint.enabled is false")
	return cmd
}
