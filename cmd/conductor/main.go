// Command conductor runs the orchestrator control plane: the REST and
// WebSocket edge plus the scheduling, checkpoint, health and fan-out loops
// behind it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dev.helix.conductor/internal/config"
	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Distributed task orchestrator control plane",
		Long: `conductor decomposes tasks into dependency-ordered subtasks, assigns them
to registered workers by capability and load, gates milestones behind review
checkpoints and fans task events out to watching clients.

Configuration comes from the environment (a .env file is honored in
development); flags override the logging settings.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(logLevel, logFormat)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format override (text, json)")

	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			fmt.Printf("conductor %s\n%s\n", color.CyanString(info.Version), info.String())
		},
	})

	return cmd
}

// migrateCmd applies pending schema migrations and exits, for deploy
// pipelines that migrate before rolling replicas.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			log := newLogger(cfg.Log)

			pool, err := database.Connect(ctx, cfg.Database, log)
			if err != nil {
				return fmt.Errorf("connecting to postgres: %w", err)
			}
			defer pool.Close()

			if err := database.Migrate(ctx, pool, log); err != nil {
				return fmt.Errorf("migrating schema: %w", err)
			}
			color.Green("schema up to date")
			return nil
		},
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
