package testutil

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/schaermu/wsyncd/internal/vcs"
)

// FakeDepot is an in-memory vcs.Client. Depot paths and client paths share
// one namespace ("//ws/..."), which keeps path matching trivial in tests.
type FakeDepot struct {
	mu sync.Mutex

	LoggedInState bool
	LoginErr      error

	HaveRecords []vcs.FileRecord
	// Preview maps a sync path to the records SyncPreview reports for it
	Preview    map[string][]vcs.FileRecord
	Opened     []vcs.FileRecord
	Unresolved []vcs.FileRecord
	// AutoResolveFixes lists depot paths that AutoResolve clears
	AutoResolveFixes map[string]bool
	Changes          []vcs.ChangeSummary
	// Files maps a depot path (without revision) to its content
	Files map[string][]string
	// StatRecords maps a client path to its server record
	StatRecords map[string]vcs.FileRecord
	Existing    map[string]bool
	// Tampered is returned by the next Sync call that syncs content
	Tampered []string
	Stream   string
	Streams  map[string]vcs.StreamSpec
	DepotOf  map[string]string

	// SyncHook runs at the start of every Sync call
	SyncHook func(ctx context.Context) error
	// Errs forces a method, by name, to fail
	Errs map[string]error

	// Recorded calls
	SyncBatches  [][]string
	ForceSynced  []string
	AutoResolved []string
	Printed      []string
}

// NewFakeDepot creates a logged-in depot with no content
func NewFakeDepot() *FakeDepot {
	return &FakeDepot{
		LoggedInState:    true,
		Preview:          make(map[string][]vcs.FileRecord),
		AutoResolveFixes: make(map[string]bool),
		Files:            make(map[string][]string),
		StatRecords:      make(map[string]vcs.FileRecord),
		Existing:         make(map[string]bool),
		Streams:          make(map[string]vcs.StreamSpec),
		DepotOf:          make(map[string]string),
		Errs:             make(map[string]error),
	}
}

func (d *FakeDepot) fail(method string) error {
	return d.Errs[method]
}

// Under reports whether path is matched by a client glob ending in "/..."
// or "/*", or equal to it
func Under(path, glob string) bool {
	switch {
	case strings.HasSuffix(glob, "/..."):
		return strings.HasPrefix(path, strings.TrimSuffix(glob, "..."))
	case strings.HasSuffix(glob, "/*"):
		prefix := strings.TrimSuffix(glob, "*")
		return strings.HasPrefix(path, prefix) && !strings.Contains(path[len(prefix):], "/")
	}
	return path == glob
}

func filterUnder(records []vcs.FileRecord, glob string) []vcs.FileRecord {
	var out []vcs.FileRecord
	for _, r := range records {
		if Under(r.DepotPath, glob) {
			out = append(out, r)
		}
	}
	return out
}

// LoggedIn implements vcs.Client
func (d *FakeDepot) LoggedIn(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.LoggedInState, d.LoginErr
}

// Have implements vcs.Client
func (d *FakeDepot) Have(ctx context.Context, path string) ([]vcs.FileRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("Have"); err != nil {
		return nil, err
	}
	return filterUnder(d.HaveRecords, path), nil
}

// SyncPreview implements vcs.Client
func (d *FakeDepot) SyncPreview(ctx context.Context, path string, revision int, singleRevision bool) ([]vcs.FileRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("SyncPreview"); err != nil {
		return nil, err
	}
	return append([]vcs.FileRecord(nil), d.Preview[path]...), nil
}

// Sync implements vcs.Client. Removals ("#0") drop files from the have-list;
// everything else is added to it.
func (d *FakeDepot) Sync(ctx context.Context, revisions []string, onRecord func(vcs.FileRecord), opts vcs.SyncOptions) ([]string, error) {
	if d.SyncHook != nil {
		if err := d.SyncHook(ctx); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("Sync"); err != nil {
		return nil, err
	}
	d.SyncBatches = append(d.SyncBatches, append([]string(nil), revisions...))

	content := false
	for _, rev := range revisions {
		if depot, ok := strings.CutSuffix(rev, "#0"); ok {
			kept := d.HaveRecords[:0]
			for _, r := range d.HaveRecords {
				if r.DepotPath != depot {
					kept = append(kept, r)
				}
			}
			d.HaveRecords = kept
			if onRecord != nil {
				onRecord(vcs.FileRecord{DepotPath: depot, Action: "deleted"})
			}
			continue
		}
		content = true
		depot := rev
		if idx := strings.LastIndex(rev, "@"); idx != -1 {
			depot = rev[:idx]
		}
		if onRecord != nil {
			onRecord(vcs.FileRecord{DepotPath: depot, Action: "updated"})
		}
	}

	var tampered []string
	if content {
		tampered, d.Tampered = d.Tampered, nil
	}
	return tampered, nil
}

// ForceSync implements vcs.Client
func (d *FakeDepot) ForceSync(ctx context.Context, path string, revision int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("ForceSync"); err != nil {
		return err
	}
	d.ForceSynced = append(d.ForceSynced, vcs.AtRevision(path, revision))
	return nil
}

// OpenFiles implements vcs.Client
func (d *FakeDepot) OpenFiles(ctx context.Context, path string) ([]vcs.FileRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("OpenFiles"); err != nil {
		return nil, err
	}
	return filterUnder(d.Opened, path), nil
}

// UnresolvedFiles implements vcs.Client
func (d *FakeDepot) UnresolvedFiles(ctx context.Context, path string) ([]vcs.FileRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("UnresolvedFiles"); err != nil {
		return nil, err
	}
	return filterUnder(d.Unresolved, path), nil
}

// AutoResolve implements vcs.Client
func (d *FakeDepot) AutoResolve(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AutoResolved = append(d.AutoResolved, path)
	if !d.AutoResolveFixes[path] {
		return nil
	}
	kept := d.Unresolved[:0]
	for _, r := range d.Unresolved {
		if r.DepotPath != path {
			kept = append(kept, r)
		}
	}
	d.Unresolved = kept
	return nil
}

// FindChanges implements vcs.Client. The "@<=N" suffix of the first path
// bounds the returned changes.
func (d *FakeDepot) FindChanges(ctx context.Context, paths []string, max int) ([]vcs.ChangeSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("FindChanges"); err != nil {
		return nil, err
	}

	limit := -1
	if len(paths) > 0 {
		if idx := strings.LastIndex(paths[0], "@<="); idx != -1 {
			_, _ = fmt.Sscanf(paths[0][idx+3:], "%d", &limit)
		}
	}

	var out []vcs.ChangeSummary
	for _, c := range d.Changes {
		if limit == -1 || c.Number <= limit {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// Print implements vcs.Client
func (d *FakeDepot) Print(ctx context.Context, path string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Printed = append(d.Printed, path)
	if err := d.fail("Print"); err != nil {
		return nil, err
	}
	lines, ok := d.Files[stripRevision(path)]
	if !ok {
		return nil, vcs.ErrNotFound
	}
	return append([]string(nil), lines...), nil
}

// PrintToFile implements vcs.Client
func (d *FakeDepot) PrintToFile(ctx context.Context, path, localPath string) error {
	lines, err := d.Print(ctx, path)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte(strings.Join(lines, "")), 0644)
}

// Stat implements vcs.Client
func (d *FakeDepot) Stat(ctx context.Context, path string) ([]vcs.FileRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("Stat"); err != nil {
		return nil, err
	}
	if r, ok := d.StatRecords[path]; ok {
		return []vcs.FileRecord{r}, nil
	}
	return nil, nil
}

// FileExists implements vcs.Client
func (d *FakeDepot) FileExists(ctx context.Context, path string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Existing[path], nil
}

// DepotPath implements vcs.Client
func (d *FakeDepot) DepotPath(ctx context.Context, clientPath string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.DepotOf[clientPath]; ok {
		return p, nil
	}
	return "", vcs.ErrNotFound
}

// ActiveStream implements vcs.Client
func (d *FakeDepot) ActiveStream(ctx context.Context) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Stream, d.Stream != "", nil
}

// StreamSpec implements vcs.Client
func (d *FakeDepot) StreamSpec(ctx context.Context, name string) (vcs.StreamSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.Streams[name]; ok {
		return s, nil
	}
	return vcs.StreamSpec{}, vcs.ErrNotFound
}

// Batches returns a copy of the recorded Sync batches
func (d *FakeDepot) Batches() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.SyncBatches...)
}

func stripRevision(path string) string {
	if idx := strings.IndexAny(path, "@#"); idx != -1 {
		return path[:idx]
	}
	return path
}
