// Package versionfile rewrites the generated engine version files after a
// sync.
//
// The content is always taken from the server as of the synced revision, so
// two workspaces at the same revision produce byte-identical files. Files are
// only written when the patched content differs from what is on disk.
package versionfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/schaermu/wsyncd/internal/vcs"
)

// Workspace-relative paths of the generated version files
const (
	BuildVersionPath  = "/Engine/Build/Build.version"
	VersionHeaderPath = "/Engine/Source/Runtime/Launch/Resources/Version.h"
	ObjectVersionPath = "/Engine/Source/Runtime/Core/Private/UObject/ObjectVersion.cpp"
)

// Paths lists every generated version file
var Paths = []string{BuildVersionPath, VersionHeaderPath, ObjectVersionPath}

// Replacement substitutes the remainder of any line starting with Prefix
type Replacement struct {
	Prefix string
	Suffix string
}

// Patcher rewrites version files from server content
type Patcher struct {
	client vcs.Client
	logger *slog.Logger
}

// NewPatcher creates a Patcher
func NewPatcher(client vcs.Client, logger *slog.Logger) *Patcher {
	return &Patcher{client: client, logger: logger}
}

// Patch fetches clientPath as of revision, applies replacements line by line
// and writes the result to the workspace. The first matching replacement
// wins for each line. It reports whether the local file was written; a file
// unknown to the server is skipped.
func (p *Patcher) Patch(ctx context.Context, clientPath string, replacements []Replacement, revision int) (bool, error) {
	records, err := p.client.Stat(ctx, clientPath)
	if err != nil {
		return false, fmt.Errorf("failed to query records for %s: %w", clientPath, err)
	}
	if len(records) == 0 {
		p.logger.Info("ignoring version file; not found on server", "path", clientPath)
		return false, nil
	}

	localPath := records[0].ClientPath
	depotPath := records[0].DepotPath

	lines, err := p.client.Print(ctx, vcs.AtRevision(depotPath, revision))
	if err != nil {
		return false, fmt.Errorf("couldn't get default contents of %s: %w", depotPath, err)
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(PatchLine(line, replacements))
		b.WriteString("\n")
	}
	text := b.String()

	current, err := os.ReadFile(localPath)
	if err == nil && string(current) == text {
		p.logger.Debug("version file unchanged", "path", localPath)
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", localPath, err)
	}
	if err := forceDelete(localPath); err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", localPath, err)
	}

	// Drop the file from the have-list so it is not reported as edited
	if _, err := p.client.Sync(ctx, []string{vcs.Removal(depotPath)}, nil, vcs.SyncOptions{}); err != nil {
		return false, fmt.Errorf("failed to remove %s from workspace: %w", depotPath, err)
	}

	if err := os.WriteFile(localPath, []byte(text), 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	p.logger.Info("written version file", "path", localPath)
	return true, nil
}

// forceDelete removes a file even when it is read-only
func forceDelete(path string) error {
	if err := os.Chmod(path, 0644); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// PatchLine returns line with the first matching replacement applied
func PatchLine(line string, replacements []Replacement) string {
	for _, r := range replacements {
		if idx, ok := matchPrefix(line, r.Prefix); ok {
			return line[:idx] + r.Suffix
		}
	}
	return line
}

// matchPrefix compares line and prefix token by token, ignoring whitespace
// between tokens, and returns the offset in line just past the prefix
func matchPrefix(line, prefix string) (int, bool) {
	lineIdx, prefixIdx := 0, 0
	for {
		want, next := readToken(prefix, prefixIdx)
		if want == "" {
			return lineIdx, true
		}
		prefixIdx = next

		got, next := readToken(line, lineIdx)
		if got != want {
			return 0, false
		}
		lineIdx = next
	}
}

// readToken skips whitespace and returns the next identifier, number or
// single symbol starting at idx along with the offset after it
func readToken(s string, idx int) (string, int) {
	runes := []rune(s[idx:])
	i := 0
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	if i == len(runes) {
		return "", len(s)
	}

	start := i
	i++
	if isWordRune(runes[start]) {
		for i < len(runes) && isWordRune(runes[i]) {
			i++
		}
	}

	offset := idx + len(string(runes[:start]))
	end := idx + len(string(runes[:i]))
	return s[offset:end], end
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
