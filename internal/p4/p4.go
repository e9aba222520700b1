// Package p4 implements vcs.Client by shelling out to the p4 command line.
//
// Structured output is requested with -ztag, which prints one "... key value"
// line per field and separates records with a blank line.
package p4

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/wsyncd/internal/vcs"
)

// Options configures the connection
type Options struct {
	Binary string
	Port   string
	User   string
	Client string
}

// ShellClient implements vcs.Client with the p4 binary
type ShellClient struct {
	opts   Options
	logger *slog.Logger
}

var _ vcs.Client = (*ShellClient)(nil)

// NewShellClient creates a client for the given connection
func NewShellClient(opts Options, logger *slog.Logger) *ShellClient {
	if opts.Binary == "" {
		opts.Binary = "p4"
	}
	return &ShellClient{opts: opts, logger: logger}
}

// Record is one -ztag record
type Record map[string]string

// Messages on stderr that mean "nothing matched" rather than failure
var benign = []string{
	"no such file(s)",
	"file(s) up-to-date",
	"not opened on this client",
	"not opened for edit",
	"no file(s) to resolve",
	"file(s) not in client view",
	"no file(s) at that changelist number",
}

// Messages on stderr that mean the session ticket is not valid
var loginRequired = []string{
	"perforce password (p4passwd) invalid or unset",
	"your session has expired",
	"please login again",
	"not logged in",
}

const clobberPrefix = "Can't clobber writable file "

type invocation struct {
	args   []string
	ztag   bool
	global []string
	// onRecord receives records as they are parsed
	onRecord func(Record)
	// onError receives stderr lines; returning true marks the line handled
	onError func(line string) bool
}

func (c *ShellClient) command(ctx context.Context, inv invocation) *exec.Cmd {
	args := make([]string, 0, len(inv.args)+10)
	if inv.ztag {
		args = append(args, "-ztag")
	}
	if c.opts.Port != "" {
		args = append(args, "-p", c.opts.Port)
	}
	if c.opts.User != "" {
		args = append(args, "-u", c.opts.User)
	}
	if c.opts.Client != "" {
		args = append(args, "-c", c.opts.Client)
	}
	args = append(args, inv.global...)
	args = append(args, inv.args...)

	cmd := exec.CommandContext(ctx, c.opts.Binary, args...)
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// run executes an invocation and classifies its failure
func (c *ShellClient) run(ctx context.Context, inv invocation) error {
	cmd := c.command(ctx, inv)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.logger.Debug("p4> running", "args", strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %v", vcs.ErrNotAvailable, err)
		}
		return fmt.Errorf("failed to start p4: %w", err)
	}

	parseErr := ParseRecords(stdout, func(r Record) {
		if inv.onRecord != nil {
			inv.onRecord(r)
		}
	})
	// Drain anything left so Wait does not block on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if parseErr != nil {
		return fmt.Errorf("failed to read p4 output: %w", parseErr)
	}
	return classify(stderr.String(), waitErr, inv.onError)
}

// classify turns stderr and the exit status into an error
func classify(stderr string, waitErr error, onError func(string) bool) error {
	var unhandled []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if onError != nil && onError(line) {
			continue
		}
		lower := strings.ToLower(line)
		if containsAny(lower, loginRequired) {
			return fmt.Errorf("%w: %s", vcs.ErrNotLoggedIn, line)
		}
		if containsAny(lower, benign) {
			continue
		}
		unhandled = append(unhandled, line)
	}

	if len(unhandled) > 0 {
		return fmt.Errorf("p4 failed: %s", strings.Join(unhandled, "; "))
	}
	if waitErr != nil && stderr == "" {
		return fmt.Errorf("p4 failed: %w", waitErr)
	}
	return nil
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// ParseRecords reads -ztag output, calling fn once per record
func ParseRecords(r io.Reader, fn func(Record)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	current := Record{}
	var lastKey string
	flush := func() {
		if len(current) > 0 {
			fn(current)
			current = Record{}
		}
		lastKey = ""
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		rest, ok := strings.CutPrefix(line, "... ")
		if !ok {
			// Continuation of a multi-line value such as a description
			if lastKey != "" {
				current[lastKey] += "\n" + line
			}
			continue
		}
		key, value, _ := strings.Cut(rest, " ")
		current[key] = value
		lastKey = key
	}
	flush()
	return scanner.Err()
}

func (c *ShellClient) records(ctx context.Context, args ...string) ([]Record, error) {
	var out []Record
	err := c.run(ctx, invocation{
		args:     args,
		ztag:     true,
		onRecord: func(r Record) { out = append(out, r) },
	})
	return out, err
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func fileRecord(r Record) vcs.FileRecord {
	local := r["path"]
	if local == "" {
		local = r["clientFile"]
	}
	rev := r["rev"]
	if rev == "" {
		rev = r["headRev"]
	}
	action := r["action"]
	if action == "" {
		action = r["headAction"]
	}
	return vcs.FileRecord{
		DepotPath:    r["depotFile"],
		ClientPath:   local,
		Action:       action,
		Revision:     atoi(rev),
		HaveRevision: atoi(r["haveRev"]),
	}
}

func fileRecords(records []Record) []vcs.FileRecord {
	out := make([]vcs.FileRecord, 0, len(records))
	for _, r := range records {
		if r["depotFile"] == "" {
			continue
		}
		out = append(out, fileRecord(r))
	}
	return out
}

// LoggedIn implements vcs.Client
func (c *ShellClient) LoggedIn(ctx context.Context) (bool, error) {
	_, err := c.records(ctx, "login", "-s")
	if errors.Is(err, vcs.ErrNotLoggedIn) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Have implements vcs.Client
func (c *ShellClient) Have(ctx context.Context, path string) ([]vcs.FileRecord, error) {
	records, err := c.records(ctx, "have", path)
	if err != nil {
		return nil, fmt.Errorf("failed to query have list: %w", err)
	}
	return fileRecords(records), nil
}

// SyncPreview implements vcs.Client
func (c *ShellClient) SyncPreview(ctx context.Context, path string, revision int, singleRevision bool) ([]vcs.FileRecord, error) {
	spec := vcs.AtRevision(path, revision)
	if singleRevision {
		spec = vcs.OnlyRevision(path, revision)
	}
	records, err := c.records(ctx, "sync", "-n", spec)
	if err != nil {
		return nil, fmt.Errorf("failed to preview sync of %s: %w", spec, err)
	}
	return fileRecords(records), nil
}

// Sync implements vcs.Client. The revisions are passed through an argument
// file so arbitrarily large batches fit on the command line.
func (c *ShellClient) Sync(ctx context.Context, revisions []string, onRecord func(vcs.FileRecord), opts vcs.SyncOptions) ([]string, error) {
	if len(revisions) == 0 {
		return nil, nil
	}

	argFile, err := os.CreateTemp("", "wsyncd-sync-*.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to create argument file: %w", err)
	}
	defer func() {
		_ = os.Remove(argFile.Name())
	}()
	if _, err := argFile.WriteString(strings.Join(revisions, "\n") + "\n"); err != nil {
		_ = argFile.Close()
		return nil, fmt.Errorf("failed to write argument file: %w", err)
	}
	if err := argFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to write argument file: %w", err)
	}

	global := []string{"-x", argFile.Name()}
	if opts.NumRetries > 0 {
		global = append(global, "-r", strconv.Itoa(opts.NumRetries))
	}
	if opts.TCPBufferBytes > 0 {
		global = append(global, "-v", "net.tcpsize="+strconv.Itoa(opts.TCPBufferBytes))
	}
	args := []string{"sync"}
	if opts.NumThreads > 1 {
		args = append(args, "--parallel", "threads="+strconv.Itoa(opts.NumThreads))
	}

	var tampered []string
	err = c.run(ctx, invocation{
		args:   args,
		ztag:   true,
		global: global,
		onRecord: func(r Record) {
			if onRecord != nil && r["depotFile"] != "" {
				onRecord(fileRecord(r))
			}
		},
		onError: func(line string) bool {
			if path, ok := strings.CutPrefix(line, clobberPrefix); ok {
				tampered = append(tampered, strings.TrimSpace(path))
				return true
			}
			return false
		},
	})
	if err != nil {
		return tampered, fmt.Errorf("failed to sync: %w", err)
	}
	return tampered, nil
}

// ForceSync implements vcs.Client
func (c *ShellClient) ForceSync(ctx context.Context, path string, revision int) error {
	if _, err := c.records(ctx, "sync", "-f", vcs.AtRevision(path, revision)); err != nil {
		return fmt.Errorf("failed to force sync %s: %w", path, err)
	}
	return nil
}

// OpenFiles implements vcs.Client
func (c *ShellClient) OpenFiles(ctx context.Context, path string) ([]vcs.FileRecord, error) {
	records, err := c.records(ctx, "opened", path)
	if err != nil {
		return nil, fmt.Errorf("failed to list open files: %w", err)
	}
	return fileRecords(records), nil
}

// UnresolvedFiles implements vcs.Client
func (c *ShellClient) UnresolvedFiles(ctx context.Context, path string) ([]vcs.FileRecord, error) {
	records, err := c.records(ctx, "fstat", "-Ru", path)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved files: %w", err)
	}
	return fileRecords(records), nil
}

// AutoResolve implements vcs.Client
func (c *ShellClient) AutoResolve(ctx context.Context, path string) error {
	if _, err := c.records(ctx, "resolve", "-as", path); err != nil {
		return fmt.Errorf("failed to auto-resolve %s: %w", path, err)
	}
	return nil
}

// FindChanges implements vcs.Client
func (c *ShellClient) FindChanges(ctx context.Context, paths []string, max int) ([]vcs.ChangeSummary, error) {
	args := []string{"changes", "-s", "submitted", "-l"}
	if max > 0 {
		args = append(args, "-m", strconv.Itoa(max))
	}
	records, err := c.records(ctx, append(args, paths...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to find changes: %w", err)
	}

	out := make([]vcs.ChangeSummary, 0, len(records))
	for _, r := range records {
		if r["change"] == "" {
			continue
		}
		out = append(out, vcs.ChangeSummary{
			Number:      atoi(r["change"]),
			User:        r["user"],
			Client:      r["client"],
			Description: strings.TrimSpace(r["desc"]),
			Date:        time.Unix(int64(atoi(r["time"])), 0).UTC(),
		})
	}
	return out, nil
}

// Print implements vcs.Client
func (c *ShellClient) Print(ctx context.Context, path string) ([]string, error) {
	tmp, err := os.CreateTemp("", "wsyncd-print-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	_ = tmp.Close()
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if err := c.PrintToFile(ctx, path, tmp.Name()); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read printed file: %w", err)
	}
	text := strings.TrimSuffix(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// PrintToFile implements vcs.Client. The file header record is kept since it
// is the only sign that the path matched.
func (c *ShellClient) PrintToFile(ctx context.Context, path, localPath string) error {
	found := false
	err := c.run(ctx, invocation{
		args:     []string{"print", "-o", localPath, path},
		ztag:     true,
		onRecord: func(r Record) { found = found || r["depotFile"] != "" },
	})
	if err != nil {
		return fmt.Errorf("failed to print %s: %w", path, err)
	}
	if !found {
		return fmt.Errorf("failed to print %s: %w", path, vcs.ErrNotFound)
	}
	return nil
}

// Stat implements vcs.Client
func (c *ShellClient) Stat(ctx context.Context, path string) ([]vcs.FileRecord, error) {
	records, err := c.records(ctx, "fstat", path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return fileRecords(records), nil
}

// FileExists implements vcs.Client
func (c *ShellClient) FileExists(ctx context.Context, path string) (bool, error) {
	records, err := c.Stat(ctx, path)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if !strings.Contains(r.Action, "delete") {
			return true, nil
		}
	}
	return false, nil
}

// DepotPath implements vcs.Client
func (c *ShellClient) DepotPath(ctx context.Context, clientPath string) (string, error) {
	records, err := c.records(ctx, "where", clientPath)
	if err != nil {
		return "", fmt.Errorf("failed to map %s: %w", clientPath, err)
	}
	for _, r := range records {
		if depot := r["depotFile"]; depot != "" && r["unmap"] == "" {
			return depot, nil
		}
	}
	return "", fmt.Errorf("failed to map %s: %w", clientPath, vcs.ErrNotFound)
}

// ActiveStream implements vcs.Client
func (c *ShellClient) ActiveStream(ctx context.Context) (string, bool, error) {
	records, err := c.records(ctx, "client", "-o")
	if err != nil {
		return "", false, fmt.Errorf("failed to read client spec: %w", err)
	}
	for _, r := range records {
		if stream := r["Stream"]; stream != "" {
			return stream, true, nil
		}
	}
	return "", false, nil
}

// StreamSpec implements vcs.Client
func (c *ShellClient) StreamSpec(ctx context.Context, name string) (vcs.StreamSpec, error) {
	records, err := c.records(ctx, "stream", "-o", name)
	if err != nil {
		return vcs.StreamSpec{}, fmt.Errorf("failed to read stream %s: %w", name, err)
	}
	for _, r := range records {
		if r["Stream"] != "" {
			return vcs.StreamSpec{Name: r["Stream"], Type: r["Type"], Parent: r["Parent"]}, nil
		}
	}
	return vcs.StreamSpec{}, fmt.Errorf("stream %s: %w", name, vcs.ErrNotFound)
}
