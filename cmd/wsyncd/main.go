package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/wsyncd/internal/config"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync command flags
	deleteMode   string
	clobberMode  string
	singleChange bool
	noBuild      bool
	runEditor    bool

	// Build command flags
	buildSteps []string
	cleanBuild bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wsyncd",
	Short: "Sync and build Unreal Engine workspaces from Perforce",
	Long: `wsyncd keeps an Unreal Engine workspace in step with a Perforce server.

An update syncs the workspace to a change, stamps the engine version files,
installs precompiled binary archives, regenerates project files and builds the
editor. It can run once from the command line or as a long-running daemon that
updates whenever a change is submitted.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync [change]",
	Short: "Update the workspace to a change (default: latest)",
	Long: `Sync updates the workspace to the given change, or the newest submitted change
when none is given, then generates project files and builds as configured.

When the sync filter no longer covers files in the workspace, or files were
modified without being checked out, sync asks before deleting or overwriting
them. Use --delete and --clobber to answer up front.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the workspace at its current change",
	RunE:  runBuild,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workspace state",
	RunE:  runStatus,
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List sync categories and whether they are synced",
	RunE:  runCategories,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Update the workspace whenever a change is submitted",
	Long: `Serve starts a long-running HTTP server that accepts signed change-submitted
triggers and runs a scheduled update for the newest change. Bursts of triggers
are debounced and coalesced.

Updates that need an answer (files to delete or clobber) are logged and left
for an interactive "wsyncd sync". The server can be socket activated by
systemd.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/wsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().StringVar(&deleteMode, "delete", answerAsk, "files excluded by the sync filter: ask, yes or no")
	syncCmd.Flags().StringVar(&clobberMode, "clobber", answerAsk, "writable files modified without checkout: ask, yes or no")
	syncCmd.Flags().BoolVar(&singleChange, "single", false, "sync only the files of the given change")
	syncCmd.Flags().BoolVar(&noBuild, "no-build", false, "skip project generation and build")
	syncCmd.Flags().BoolVar(&runEditor, "run", false, "start the editor after a successful update")

	// Build command flags
	buildCmd.Flags().StringSliceVar(&buildSteps, "step", nil, "run only the build steps with these ids")
	buildCmd.Flags().BoolVar(&cleanBuild, "clean", false, "clean before compiling")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(categoriesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogger() *slog.Logger {
	return newLogger(os.Stdout)
}

func newLogger(out io.Writer) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// withLogFile tees the log to a rotating file when one is configured
func withLogFile(logger *slog.Logger, cfg config.LogConfig) (*slog.Logger, io.Closer) {
	if cfg.File == "" {
		return logger, io.NopCloser(nil)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		logger.Warn("failed to create log directory", "path", cfg.File, "error", err)
		return logger, io.NopCloser(nil)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return newLogger(io.MultiWriter(os.Stdout, file)), file
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "wsyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root", cfg.Workspace.Root,
		"client_root", cfg.Workspace.ClientRoot,
		"project", cfg.Workspace.Project,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
