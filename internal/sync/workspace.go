// Package sync runs workspace updates: syncing to a revision, patching the
// version files, installing binary archives, generating project files and
// building.
//
// An update is a resumable state machine. When it reaches a decision it
// cannot make alone (files to delete, files to clobber) it stops and returns
// a checkpoint result; the caller records answers on the request's Ticket and
// submits the same request again. Answers already given are never asked for
// again.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/schaermu/wsyncd/internal/filter"
	"github.com/schaermu/wsyncd/internal/gate"
	"github.com/schaermu/wsyncd/internal/planner"
	"github.com/schaermu/wsyncd/internal/progress"
	"github.com/schaermu/wsyncd/internal/projectcfg"
	"github.com/schaermu/wsyncd/internal/toolrun"
	"github.com/schaermu/wsyncd/internal/vcs"
)

// Settings locate a workspace on disk and on the server
type Settings struct {
	// LocalRoot is the workspace root on disk
	LocalRoot string
	// ClientRoot is the client-rooted prefix, e.g. "//me-ws"
	ClientRoot string
	// SelectedLocalFile and SelectedClientFile name the open target: a
	// .uproject file or a file in the branch root
	SelectedLocalFile  string
	SelectedClientFile string
	Enterprise         bool
	StateDir           string

	// Tools, relative to LocalRoot unless absolute
	ProjectGenerator string
	BuildTool        string
	PackagingTool    string
}

func (s *Settings) applyDefaults() {
	if s.ProjectGenerator == "" {
		s.ProjectGenerator = "GenerateProjectFiles.sh"
	}
	if s.BuildTool == "" {
		s.BuildTool = filepath.Join("Engine", "Build", "BatchFiles", "Linux", "Build.sh")
	}
	if s.PackagingTool == "" {
		s.PackagingTool = filepath.Join("Engine", "Build", "BatchFiles", "RunUAT.sh")
	}
}

// Workspace owns the update engine for one workspace. Updates run one at a
// time; observers read progress and revisions from any goroutine.
type Workspace struct {
	settings Settings
	client   vcs.Client
	runner   toolrun.Runner
	logger   *slog.Logger
	planner  *planner.Planner
	progress *progress.Progress
	gate     *gate.Gate
	now      func() time.Time

	// OnUpdateComplete is called once at the end of every update. Set it
	// before the first update.
	OnUpdateComplete func(req *UpdateRequest, result Result, status string)

	mu            sync.RWMutex
	state         State
	pending       int
	busy          bool
	projectConfig *projectcfg.Config
	streamFilter  []string
	cancel        context.CancelFunc
	done          chan struct{}
}

// New creates a workspace, restoring its persisted state
func New(settings Settings, client vcs.Client, runner toolrun.Runner, logger *slog.Logger) *Workspace {
	settings.applyDefaults()

	state, err := LoadState(settings.StateDir)
	if err != nil {
		logger.Warn("failed to load workspace state (will treat as fresh workspace)", "error", err)
		state = State{}
	}

	w := &Workspace{
		settings: settings,
		client:   client,
		runner:   runner,
		logger:   logger,
		planner: &planner.Planner{
			ClientRoot:        settings.ClientRoot,
			LocalRoot:         settings.LocalRoot,
			ProjectClientFile: settings.SelectedClientFile,
			Enterprise:        settings.Enterprise,
		},
		progress: progress.New(),
		gate:     gate.Process(),
		now:      time.Now,
		state:    state,
		pending:  state.CurrentRevision,
	}
	w.projectConfig = projectcfg.Load(projectcfg.Locations(settings.LocalRoot, settings.SelectedLocalFile), logger)
	return w
}

// Update starts req in the background, cancelling any running update first
func (w *Workspace) Update(req *UpdateRequest) {
	w.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		w.Run(ctx, req)
	}()
}

// Cancel stops the running update, if any, and waits for it to finish
func (w *Workspace) Cancel() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the background update started by Update finishes
func (w *Workspace) Wait() {
	w.mu.RLock()
	done := w.done
	w.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// Run executes req on the calling goroutine and returns its result. The
// completion callback fires before Run returns.
func (w *Workspace) Run(ctx context.Context, req *UpdateRequest) (result Result, status string) {
	if req.Ticket == nil {
		req.Ticket = NewTicket()
	}
	req.Attempts++

	w.mu.Lock()
	w.busy = true
	w.pending = req.Revision
	w.mu.Unlock()
	w.progress.Clear()

	u := &update{w: w, req: req}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("update failed with panic", "panic", r, "stack", string(debug.Stack()))
			result, status = FailedToSync, fmt.Sprintf("Failed with exception - %v", r)
		}
		if result != Success && ctx.Err() != nil {
			result, status = Canceled, "Canceled"
		}
		w.finish(u, result, status)
	}()

	w.logger.Info("starting update",
		"revision", req.Revision,
		"options", req.Options.String(),
		"attempt", req.Attempts)
	return u.run(ctx)
}

func (w *Workspace) finish(u *update, result Result, status string) {
	w.mu.Lock()
	if result == Canceled && u.syncStarted {
		w.state.FilterHash = planner.NeedsReconciliation
	}
	w.pending = w.state.CurrentRevision
	w.busy = false
	state := w.state
	w.mu.Unlock()

	if err := SaveState(w.settings.StateDir, state); err != nil {
		w.logger.Error("failed to save workspace state", "error", err)
	}

	w.logger.Info("update complete", "result", result.String(), "status", status)
	if w.OnUpdateComplete != nil {
		w.OnUpdateComplete(u.req, result, status)
	}
}

func (w *Workspace) saveState() {
	w.mu.RLock()
	state := w.state
	w.mu.RUnlock()
	if err := SaveState(w.settings.StateDir, state); err != nil {
		w.logger.Error("failed to save workspace state", "error", err)
	}
}

func (w *Workspace) setFilterHash(hash string) {
	w.mu.Lock()
	w.state.FilterHash = hash
	w.mu.Unlock()
	w.saveState()
}

func (w *Workspace) setCurrentRevision(rev int) {
	w.mu.Lock()
	w.state.CurrentRevision = rev
	w.mu.Unlock()
	w.saveState()
}

func (w *Workspace) setLastBuiltRevision(rev int) {
	w.mu.Lock()
	w.state.LastBuiltRevision = rev
	w.mu.Unlock()
	w.saveState()
}

// Busy reports whether an update is running
func (w *Workspace) Busy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.busy
}

// Progress returns the live progress of the running update
func (w *Workspace) Progress() *progress.Progress {
	return w.progress
}

// CurrentRevision is the last revision fully synced
func (w *Workspace) CurrentRevision() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.CurrentRevision
}

// PendingRevision is the target of the running update, or the current
// revision when idle
func (w *Workspace) PendingRevision() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pending
}

// LastBuiltRevision is the revision of the last complete build
func (w *Workspace) LastBuiltRevision() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.LastBuiltRevision
}

// FilterHash is the hash of the last applied sync filter
func (w *Workspace) FilterHash() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.FilterHash
}

// ProjectConfig returns the project configuration read after the last sync
func (w *Workspace) ProjectConfig() *projectcfg.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.projectConfig
}

// StreamFilter returns the quick-select stream list, or nil
func (w *Workspace) StreamFilter() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.streamFilter...)
}

// Categories returns the sync categories with project overrides applied
func (w *Workspace) Categories() filter.CategorySet {
	return filter.NewCategorySet(w.ProjectConfig().Options.SyncCategory)
}

// Planner returns the sync path planner of the workspace
func (w *Workspace) Planner() *planner.Planner {
	return w.planner
}

// Settings returns the workspace settings with defaults applied
func (w *Workspace) Settings() Settings {
	return w.settings
}

func (w *Workspace) localPath(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(w.settings.LocalRoot, rel)
}

// fail maps an error from a stage onto a result, keeping cancellation and
// expired sessions distinct from other failures
func (w *Workspace) fail(ctx context.Context, err error, status string) (Result, string) {
	if ctx.Err() != nil {
		return Canceled, "Canceled"
	}
	if errors.Is(err, vcs.ErrNotLoggedIn) {
		w.logger.Warn("session expired", "error", err)
		return FailedToSyncLoginExpired, "User is not logged in."
	}
	w.logger.Error(status, "error", err)
	return FailedToSync, status
}
