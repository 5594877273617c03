// Package main implements stackmemoryd, the CLI front end for the
// lossless call-stack memory runtime.
//
// This file is the entry point and command registration hub; individual
// command implementations live in the other cmd_*.go files.
//
// File index:
//   - main.go        - entry point, rootCmd, global flags, init()
//   - cmd_frame.go   - frame create/close/list
//   - cmd_event.go   - event append
//   - cmd_anchor.go  - anchor add
//   - cmd_query.go   - query, assemble
//   - cmd_stats.go   - stats, reembed, maintenance
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stackmemoryai/stackmemory-sub002/internal/config"
	"github.com/stackmemoryai/stackmemory-sub002/internal/engine"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
	"github.com/stackmemoryai/stackmemory-sub002/internal/sqlitestore"
)

var (
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	logger *zap.Logger
	eng    *engine.Engine
)

var rootCmd = &cobra.Command{
	Use:   "stackmemoryd",
	Short: "stackmemoryd - lossless call-stack memory for AI coding assistants",
	Long: `stackmemoryd records an AI coding assistant's call stack as it works -
frames, events, and pinned anchors - and answers retrieval queries and
token-budgeted context assembly requests against that recording.

Architecture: every write goes through an append-only event log and a
frame tree; retrieval and assembly read a consistent snapshot of both.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		} else if abs, aerr := filepath.Abs(ws); aerr == nil {
			ws = abs
		}

		cfg, err := loadConfig(ws)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.ProjectRoot == "" {
			cfg.ProjectRoot = ws
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}

		dbPath := cfg.DBPath
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(ws, dbPath)
		}
		store, err := sqlitestore.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open store at %s: %w", dbPath, err)
		}

		eng, err = engine.New(cfg, store)
		if err != nil {
			return fmt.Errorf("failed to construct engine: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if eng != nil {
			_ = eng.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func loadConfig(ws string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(ws, ".stackmemory.yaml")
	}
	return config.Load(path)
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(base, timeout)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: <workspace>/.stackmemory.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")

	frameCmd.AddCommand(frameCreateCmd, frameCloseCmd, frameListCmd)
	eventCmd.AddCommand(eventAppendCmd)
	anchorCmd.AddCommand(anchorAddCmd)

	rootCmd.AddCommand(
		frameCmd,
		eventCmd,
		anchorCmd,
		queryCmd,
		assembleCmd,
		statsCmd,
		reembedCmd,
		maintenanceCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
