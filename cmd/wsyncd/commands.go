package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/schaermu/wsyncd/internal/activation"
	"github.com/schaermu/wsyncd/internal/archive"
	"github.com/schaermu/wsyncd/internal/config"
	wsync "github.com/schaermu/wsyncd/internal/sync"
	"github.com/schaermu/wsyncd/internal/webhook"
)

// Answer modes for checkpoint prompts
const (
	answerAsk = "ask"
	answerYes = "yes"
	answerNo  = "no"
)

// socketName is the systemd socket unit name the trigger server listens on
const socketName = "wsyncd"

// setup loads the configuration and returns a logger that also writes to the
// configured log file
func setup() (*config.Config, *slog.Logger, io.Closer, error) {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return nil, nil, nil, err
	}
	logger, closer := withLogFile(logger, cfg.Log)
	return cfg, logger, closer, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	if err := validateAnswerModes(); err != nil {
		return err
	}
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := setupSignalHandler()
	defer cancel()

	e := newEngine(cfg, logger)

	var rev int
	if len(args) == 1 {
		rev, err = strconv.Atoi(strings.TrimPrefix(args[0], "@"))
		if err != nil || rev <= 0 {
			return fmt.Errorf("invalid change %q", args[0])
		}
	} else if rev, err = e.LatestChange(ctx); err != nil {
		return err
	}

	opts := e.options()
	if singleChange {
		opts = opts&^wsync.Sync | wsync.SyncSingleRevision
	}
	if noBuild {
		opts &^= wsync.Build | wsync.GenerateProjectFiles
	}
	if runEditor {
		opts |= wsync.RunAfterSync
	}

	req := e.newRequest(rev, opts)
	logger.Info("starting update", "change", rev, "options", opts.String())

	result, status, err := runUntilResolved(ctx, e, req, cmd.InOrStdin(), cmd.OutOrStdout())
	printResult(cmd.OutOrStdout(), result, status)
	if err != nil {
		return err
	}
	if result != wsync.Success {
		return fmt.Errorf("update %s: %s", result, status)
	}

	if opts.Has(wsync.RunAfterSync) {
		editor := e.editorCommand()
		logger.Info("starting editor", "command", editor.String())
		if err := e.runner.Start(context.Background(), editor); err != nil {
			return fmt.Errorf("failed to start editor: %w", err)
		}
	}
	return nil
}

// runUntilResolved resubmits req after every checkpoint until the update
// finishes or the user stops answering
func runUntilResolved(ctx context.Context, e *engine, req *wsync.UpdateRequest, in io.Reader, out io.Writer) (wsync.Result, string, error) {
	reader := bufio.NewReader(in)
	for {
		result, status := e.Run(ctx, req)
		if !result.NeedsInput() {
			return result, status, nil
		}

		var prompt checkpoint
		switch result {
		case wsync.FilesToDelete:
			prompt = checkpoint{
				question: "Delete %d files excluded by the sync filter?",
				mode:     deleteMode,
				pending:  req.Ticket.PendingDeletes(),
				decide:   req.Ticket.DecideDelete,
			}
		case wsync.FilesToClobber:
			prompt = checkpoint{
				question: "Overwrite %d writable files modified without checkout?",
				mode:     clobberMode,
				pending:  req.Ticket.PendingClobbers(),
				decide:   req.Ticket.DecideClobber,
			}
		}
		if len(prompt.pending) == 0 {
			return result, status, errors.New(status)
		}
		if err := prompt.answer(reader, out); err != nil {
			return result, status, err
		}
	}
}

// checkpoint is one question asked before an update can continue
type checkpoint struct {
	question string
	mode     string
	pending  []string
	decide   func(path string, d wsync.Decision) bool
}

func (c checkpoint) answer(in *bufio.Reader, out io.Writer) error {
	decision := wsync.Reject
	switch c.mode {
	case answerYes:
		decision = wsync.Accept
	case answerNo:
	default:
		for _, p := range c.pending {
			fmt.Fprintf(out, "  %s\n", p)
		}
		fmt.Fprintf(out, c.question+" [y/N] ", len(c.pending))
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("no answer to checkpoint: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			decision = wsync.Accept
		}
	}
	for _, p := range c.pending {
		c.decide(p, decision)
	}
	return nil
}

func validateAnswerModes() error {
	for _, mode := range []string{deleteMode, clobberMode} {
		switch mode {
		case answerAsk, answerYes, answerNo:
		default:
			return fmt.Errorf("invalid answer %q (want ask, yes or no)", mode)
		}
	}
	return nil
}

func printResult(out io.Writer, result wsync.Result, status string) {
	c := color.New(color.FgRed)
	switch {
	case result == wsync.Success:
		c = color.New(color.FgGreen)
	case result.NeedsInput() || result == wsync.FilesToResolve || result == wsync.Canceled:
		c = color.New(color.FgYellow)
	}
	c.Fprintf(out, "%s", result)
	fmt.Fprintf(out, ": %s\n", status)
}

func runBuild(cmd *cobra.Command, args []string) error {
	var ids []uuid.UUID
	for _, s := range buildSteps {
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid step id %q: %w", s, err)
		}
		ids = append(ids, id)
	}

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := setupSignalHandler()
	defer cancel()

	e := newEngine(cfg, logger)
	opts := e.options() &^ (wsync.Sync | wsync.SyncArchives)
	if cleanBuild {
		opts &^= wsync.IncrementalBuild
	}
	req := e.newRequest(e.workspace.CurrentRevision(), opts)
	req.CustomStepIDs = ids

	result, status := e.Run(ctx, req)
	printResult(cmd.OutOrStdout(), result, status)
	if result != wsync.Success {
		return fmt.Errorf("build %s: %s", result, status)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	e := newEngine(cfg, logger)
	return printStatus(cmd.OutOrStdout(), cfg, e.workspace)
}

func printStatus(out io.Writer, cfg *config.Config, ws *wsync.Workspace) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Workspace:\t%s\n", cfg.Workspace.Root)
	fmt.Fprintf(w, "Client root:\t%s\n", cfg.Workspace.ClientRoot)
	fmt.Fprintf(w, "Target:\t%s\n", cfg.SelectedLocalFile())
	fmt.Fprintf(w, "Current change:\t%s\n", changeLabel(ws.CurrentRevision()))
	fmt.Fprintf(w, "Last built change:\t%s\n", changeLabel(ws.LastBuiltRevision()))
	fmt.Fprintf(w, "Filter hash:\t%s\n", valueOr(ws.FilterHash(), "none"))

	if info, err := os.Stat(filepath.Join(cfg.Paths.StateDir, wsync.StateFileName)); err == nil {
		fmt.Fprintf(w, "State updated:\t%s\n", humanize.Time(info.ModTime()))
	}

	manifestDir := archive.ManifestDir(cfg.SelectedLocalFile())
	kinds, err := archive.Installed(manifestDir)
	if err != nil {
		return fmt.Errorf("failed to list installed archives: %w", err)
	}
	for _, kind := range kinds {
		m, err := archive.ReadManifest(filepath.Join(manifestDir, kind+archive.ManifestExt))
		if err != nil {
			fmt.Fprintf(w, "Archive %s:\tunreadable manifest (%v)\n", kind, err)
			continue
		}
		var size uint64
		for _, f := range m.Files {
			size += f.Size
		}
		fmt.Fprintf(w, "Archive %s:\t%s (%s files, %s)\n", kind, m.Source, humanize.Comma(int64(len(m.Files))), humanize.Bytes(size))
	}
	return w.Flush()
}

func changeLabel(rev int) string {
	if rev <= 0 {
		return "none"
	}
	return strconv.Itoa(rev)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func runCategories(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	e := newEngine(cfg, logger)
	return printCategories(cmd.OutOrStdout(), e.workspace, cfg)
}

func printCategories(out io.Writer, ws *wsync.Workspace, cfg *config.Config) error {
	categories := ws.Categories()
	excluded := categories.Excluded(cfg.View())

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSYNCED\tPATHS")
	for _, c := range categories.Sorted() {
		synced := "yes"
		if excluded[c.ID] {
			synced = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Name, synced, strings.Join(c.Paths, ";"))
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if !cfg.Serve.Enabled {
		return fmt.Errorf("trigger server is disabled; set serve.enabled in the configuration")
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	e := newEngine(cfg, logger)
	server, err := webhook.NewServer(cfg, e, func(rev int) *wsync.UpdateRequest {
		return e.newRequest(rev, e.scheduledOptions())
	}, logger)
	if err != nil {
		logger.Error("failed to create trigger server", "error", err)
		return err
	}

	socketListeners, err := activation.Listeners()
	if err != nil {
		return fmt.Errorf("failed to read activated sockets: %w", err)
	}
	listeners := activation.Select(socketListeners, socketName)
	if len(listeners) > 0 {
		logger.Info("using socket-activated listeners", "count", len(listeners))
	}

	if err := server.Start(ctx, listeners); err != nil {
		logger.Error("trigger server failed", "error", err)
		return err
	}
	logger.Info("trigger server stopped")
	return nil
}
