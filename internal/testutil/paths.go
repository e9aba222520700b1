package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// rootAbove walks up from dir to the directory holding go.mod
func rootAbove(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// ProjectPath joins elem onto the module root, failing the test when the
// root cannot be found
func ProjectPath(t testing.TB, elem ...string) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		t.Fatal("failed to get caller information")
	}
	root, err := rootAbove(filepath.Dir(filename))
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}
	return filepath.Join(append([]string{root}, elem...)...)
}
