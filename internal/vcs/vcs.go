// Package vcs defines the version control operations the workspace engine
// depends on.
//
// The engine never talks to a server directly; everything goes through a
// Client. Every call is a fallible network operation and every call takes a
// context so a cancelled update returns promptly.
//
// Paths come in three flavours:
//   - depot paths, rooted at the server ("//depot/main/Engine/...")
//   - client paths, rooted at the workspace name ("//my-ws/Engine/...")
//   - local paths, plain filesystem paths ("/home/me/ws/Engine/...")
//
// A revision suffix is appended in Perforce syntax: "@105" (as of revision),
// "@=105" (only revision 105), "#0" (remove from workspace).
package vcs

import (
	"context"
	"fmt"
	"time"
)

// FileRecord describes a single file reported by the server
type FileRecord struct {
	DepotPath    string
	ClientPath   string // local filesystem path when known
	Action       string
	Revision     int
	HaveRevision int
}

// ChangeSummary describes a submitted revision
type ChangeSummary struct {
	Number      int
	User        string
	Client      string
	Description string
	Date        time.Time
}

// StreamSpec is the subset of a stream specification the engine reads
type StreamSpec struct {
	Name   string
	Type   string
	Parent string
}

// IsVirtual reports whether the stream is an alias for its parent
func (s StreamSpec) IsVirtual() bool {
	return s.Type == "virtual"
}

// SyncOptions tunes batched sync requests
type SyncOptions struct {
	NumRetries     int `yaml:"num_retries"`
	NumThreads     int `yaml:"num_threads"`
	TCPBufferBytes int `yaml:"tcp_buffer_bytes"`
}

// Client is the version control surface used by the engine
type Client interface {
	// LoggedIn reports whether the current session ticket is still valid
	LoggedIn(ctx context.Context) (bool, error)
	// Have lists the files the server believes are present in the workspace
	Have(ctx context.Context, path string) ([]FileRecord, error)
	// SyncPreview lists the files that would change when syncing path to
	// revision. With singleRevision set only files touched by that exact
	// revision are reported.
	SyncPreview(ctx context.Context, path string, revision int, singleRevision bool) ([]FileRecord, error)
	// Sync syncs the given revision specifiers in one batch. onRecord is
	// invoked for every file transferred. Files that could not be written
	// because they were modified locally without being opened are returned
	// as tampered local paths; they are not an error.
	Sync(ctx context.Context, revisions []string, onRecord func(FileRecord), opts SyncOptions) (tampered []string, err error)
	// ForceSync overwrites a single file with the given revision
	ForceSync(ctx context.Context, path string, revision int) error
	// OpenFiles lists files opened in the workspace under path
	OpenFiles(ctx context.Context, path string) ([]FileRecord, error)
	// UnresolvedFiles lists files with pending resolves under path
	UnresolvedFiles(ctx context.Context, path string) ([]FileRecord, error)
	// AutoResolve runs a safe automatic merge on path
	AutoResolve(ctx context.Context, path string) error
	// FindChanges returns up to max submitted changes affecting paths; the
	// paths carry their own revision range suffixes
	FindChanges(ctx context.Context, paths []string, max int) ([]ChangeSummary, error)
	// Print returns the content of a file revision as lines
	Print(ctx context.Context, path string) ([]string, error)
	// PrintToFile writes the content of a file revision to localPath
	PrintToFile(ctx context.Context, path, localPath string) error
	// Stat returns the records matching path
	Stat(ctx context.Context, path string) ([]FileRecord, error)
	// FileExists reports whether path exists on the server
	FileExists(ctx context.Context, path string) (bool, error)
	// DepotPath converts a client path to a depot path
	DepotPath(ctx context.Context, clientPath string) (string, error)
	// ActiveStream returns the stream of the workspace; ok is false for
	// classic (non-stream) workspaces
	ActiveStream(ctx context.Context) (name string, ok bool, err error)
	// StreamSpec reads a stream specification
	StreamSpec(ctx context.Context, name string) (StreamSpec, error)
}

// AtRevision formats "path@revision"
func AtRevision(path string, revision int) string {
	return fmt.Sprintf("%s@%d", path, revision)
}

// OnlyRevision formats "path@=revision"
func OnlyRevision(path string, revision int) string {
	return fmt.Sprintf("%s@=%d", path, revision)
}

// UpToRevision formats "path@<=revision"
func UpToRevision(path string, revision int) string {
	return fmt.Sprintf("%s@<=%d", path, revision)
}

// Removal formats "path#0", which removes path from the workspace
func Removal(path string) string {
	return path + "#0"
}
