package versionfile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schaermu/wsyncd/internal/testutil"
	"github.com/schaermu/wsyncd/internal/vcs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPatchLine(t *testing.T) {
	replacements := []Replacement{
		{Prefix: "#define ENGINE_VERSION", Suffix: " 105"},
		{Prefix: `"Changelist":`, Suffix: " 105,"},
	}
	for _, tc := range []struct {
		name string
		in   string
		want string
	}{
		{name: "define", in: "#define ENGINE_VERSION 0", want: "#define ENGINE_VERSION 105"},
		{name: "interior whitespace", in: "  #  define   ENGINE_VERSION\t0 // comment", want: "  #  define   ENGINE_VERSION 105"},
		{name: "longer identifier does not match", in: "#define ENGINE_VERSION_MAJOR 4", want: "#define ENGINE_VERSION_MAJOR 4"},
		{name: "json key", in: `	"Changelist": 0,`, want: `	"Changelist": 105,`},
		{name: "other json key", in: `	"CompatibleChangelist": 0,`, want: `	"CompatibleChangelist": 0,`},
		{name: "empty line", in: "", want: ""},
		{name: "prefix longer than line", in: "#define", want: "#define"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := PatchLine(tc.in, replacements); got != tc.want {
				t.Errorf("PatchLine(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestPatchLine_FirstMatchWins(t *testing.T) {
	got := PatchLine("#define BRANCH_NAME \"x\"", []Replacement{
		{Prefix: "#define BRANCH_NAME", Suffix: " \"first\""},
		{Prefix: "#define", Suffix: " second"},
	})
	if got != "#define BRANCH_NAME \"first\"" {
		t.Errorf("PatchLine = %q", got)
	}
}

func setupPatcher(t *testing.T) (*Patcher, *testutil.FakeDepot, string) {
	t.Helper()
	root := t.TempDir()
	local := filepath.Join(root, "Engine", "Source", "Runtime", "Launch", "Resources", "Version.h")

	depot := testutil.NewFakeDepot()
	depot.StatRecords["//ws"+VersionHeaderPath] = vcs.FileRecord{DepotPath: "//depot/main" + VersionHeaderPath, ClientPath: local}
	depot.Files["//depot/main"+VersionHeaderPath] = []string{
		"#pragma once",
		"#define ENGINE_VERSION 0",
		"#define BRANCH_NAME \"\"",
	}
	return NewPatcher(depot, testLogger()), depot, local
}

func TestPatch_WritesFromServerContent(t *testing.T) {
	p, depot, local := setupPatcher(t)

	// Local edits must not leak into the result
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local, []byte("#define ENGINE_VERSION 999\n"), 0444); err != nil {
		t.Fatal(err)
	}

	tables := LegacyTables(104, "//ue/main")
	written, err := p.Patch(context.Background(), "//ws"+VersionHeaderPath, tables.VersionHeader, 105)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if !written {
		t.Fatal("expected file to be written")
	}

	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	want := "#pragma once\n#define ENGINE_VERSION 104\n#define BRANCH_NAME \"++ue+main\"\n"
	if string(data) != want {
		t.Errorf("content = %q, want %q", data, want)
	}

	if len(depot.Printed) != 1 || depot.Printed[0] != "//depot/main"+VersionHeaderPath+"@105" {
		t.Errorf("printed %v", depot.Printed)
	}
	batches := depot.Batches()
	if len(batches) != 1 || batches[0][0] != "//depot/main"+VersionHeaderPath+"#0" {
		t.Errorf("expected revision-0 sync of the depot path, got %v", batches)
	}
}

func TestPatch_Idempotent(t *testing.T) {
	p, depot, local := setupPatcher(t)
	tables := LegacyTables(104, "//ue/main")

	if _, err := p.Patch(context.Background(), "//ws"+VersionHeaderPath, tables.VersionHeader, 105); err != nil {
		t.Fatalf("first Patch: %v", err)
	}
	before, err := os.Stat(local)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(local, past, past); err != nil {
		t.Fatal(err)
	}

	written, err := p.Patch(context.Background(), "//ws"+VersionHeaderPath, tables.VersionHeader, 105)
	if err != nil {
		t.Fatalf("second Patch: %v", err)
	}
	if written {
		t.Error("second Patch rewrote an already-correct file")
	}
	after, err := os.Stat(local)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(past) || after.Size() != before.Size() {
		t.Error("file was touched by an idempotent Patch")
	}
	if len(depot.Batches()) != 1 {
		t.Errorf("expected no extra sync calls, got %v", depot.Batches())
	}
}

func TestPatch_NotOnServer(t *testing.T) {
	p, _, _ := setupPatcher(t)
	written, err := p.Patch(context.Background(), "//ws"+ObjectVersionPath, nil, 105)
	if err != nil || written {
		t.Errorf("expected skip, got written=%v err=%v", written, err)
	}
}

func TestModularTables(t *testing.T) {
	tables := ModularTables(105, 100, "//ue/main", false)
	if got := PatchLine(`  "CompatibleChangelist": 0,`, tables.BuildVersion); got != `  "CompatibleChangelist": 100,` {
		t.Errorf("CompatibleChangelist line = %q", got)
	}
	for _, tt := range []struct {
		licensee bool
		want     string
	}{
		{false, `  "IsLicenseeVersion":0,`},
		{true, `  "IsLicenseeVersion":1,`},
	} {
		lt := ModularTables(105, 100, "//ue/main", tt.licensee)
		if got := PatchLine(`  "IsLicenseeVersion": 1,`, lt.BuildVersion); got != tt.want {
			t.Errorf("licensee=%v: IsLicenseeVersion line = %q, want %q", tt.licensee, got, tt.want)
		}
	}
	if got := PatchLine(`#define BUILT_FROM_CHANGELIST 123`, tables.VersionHeader); got != `#define BUILT_FROM_CHANGELIST 0` {
		t.Errorf("BUILT_FROM_CHANGELIST line = %q", got)
	}
	if tables.For(ObjectVersionPath) != nil {
		t.Error("object version should be restored unmodified")
	}
}
