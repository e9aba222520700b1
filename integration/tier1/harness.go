//go:build integration

package tier1

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/wsyncd/internal/p4"
	wsync "github.com/schaermu/wsyncd/internal/sync"
	"github.com/schaermu/wsyncd/internal/testutil"
	"github.com/schaermu/wsyncd/internal/toolrun"
)

const (
	clientRoot = "//ws"
	buildTool  = "Engine/Build/BatchFiles/Linux/Build.sh"
	generator  = "GenerateProjectFiles.sh"
)

// Harness drives a workspace through the real p4 and tool runners. The p4
// binary is a script replaying canned -ztag replies; the engine tools are
// scripts that record their invocations.
type Harness struct {
	t        *testing.T
	root     string
	stateDir string
	dataDir  string
	p4Binary string
}

// NewHarness lays out an empty workspace and the fake tools
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	tmp := t.TempDir()
	h := &Harness{
		t:        t,
		root:     filepath.Join(tmp, "ws"),
		stateDir: filepath.Join(tmp, "state"),
		dataDir:  filepath.Join(tmp, "p4"),
	}
	for _, dir := range []string{h.root, h.dataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("create %s: %v", dir, err)
		}
	}

	h.p4Binary = testutil.ProjectPath(t, "integration", "tier1", "testdata", "p4")

	t.Setenv("FAKE_P4_DIR", h.dataDir)
	t.Setenv("FAKE_P4_ROOT", h.root)

	tool := "#!/bin/sh\necho \"$(basename \"$0\") $*\" >> \"" + h.toolLog() + "\"\n"
	h.WriteFile(generator, tool, 0755)
	h.WriteFile(buildTool, tool, 0755)

	h.Reply("where", Record{"depotFile": "//depot/main/GenerateProjectFiles.bat", "clientFile": clientRoot + "/GenerateProjectFiles.bat"})
	return h
}

// Record is one -ztag record
type Record map[string]string

// Reply sets the records the fake p4 prints for a command
func (h *Harness) Reply(name string, records ...Record) {
	h.t.Helper()
	var b strings.Builder
	for _, r := range records {
		for k, v := range r {
			fmt.Fprintf(&b, "... %s %s\n", k, v)
		}
		b.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(h.dataDir, name+".ztag"), []byte(b.String()), 0644); err != nil {
		h.t.Fatalf("write reply %s: %v", name, err)
	}
}

// Workspace creates a branch workspace backed by the fake server
func (h *Harness) Workspace() *wsync.Workspace {
	logger := slog.New(slog.NewTextHandler(&testWriter{t: h.t, prefix: "[wsyncd] "}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := p4.NewShellClient(p4.Options{Binary: h.p4Binary, User: "me", Client: "ws"}, logger)
	return wsync.New(wsync.Settings{
		LocalRoot:          h.root,
		ClientRoot:         clientRoot,
		SelectedLocalFile:  h.Local("GenerateProjectFiles.bat"),
		SelectedClientFile: clientRoot + "/GenerateProjectFiles.bat",
		StateDir:           h.stateDir,
	}, client, toolrun.NewExecRunner(), logger)
}

// Local returns the path of a workspace file on disk
func (h *Harness) Local(rel string) string {
	return filepath.Join(h.root, filepath.FromSlash(rel))
}

// WriteFile creates a workspace file
func (h *Harness) WriteFile(rel, content string, mode os.FileMode) {
	h.t.Helper()
	path := h.Local(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		h.t.Fatal(err)
	}
}

// FileExists checks if a workspace file exists
func (h *Harness) FileExists(rel string) bool {
	_, err := os.Stat(h.Local(rel))
	return err == nil
}

// Calls returns every p4 invocation so far
func (h *Harness) Calls() []string {
	return h.lines(filepath.Join(h.dataDir, "calls.log"))
}

// ToolRuns returns every engine tool invocation so far
func (h *Harness) ToolRuns() []string {
	return h.lines(h.toolLog())
}

func (h *Harness) toolLog() string {
	return filepath.Join(h.dataDir, "tools.log")
}

func (h *Harness) lines(path string) []string {
	h.t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		h.t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
