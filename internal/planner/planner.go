// Package planner decides which client paths a workspace update touches.
//
// Sync paths are client-rooted Perforce globs ("//my-ws/Engine/..."). The
// baseline set depends on whether the workspace targets a single project;
// custom filter rules then add rooted inclusions or prune subtrees. The
// planner also detects when the effective filter changed since the last sync
// and, when it did, finds files in the have-list that the new filter drops.
package planner

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/schaermu/wsyncd/internal/filter"
	"github.com/schaermu/wsyncd/internal/vcs"
)

// NeedsReconciliation is stored as the filter hash while removals are in
// flight, so the next run always rescans the have-list
const NeedsReconciliation = "INVALID"

const recursive = "/..."

// Planner computes sync paths for one workspace
type Planner struct {
	// ClientRoot is the client-rooted workspace prefix, e.g. "//my-ws"
	ClientRoot string
	// LocalRoot is the workspace root on disk
	LocalRoot string
	// ProjectClientFile is the client path of the open target: a
	// .uproject file, or any file in the branch root for a whole-branch
	// workspace
	ProjectClientFile string
	// Enterprise adds the Enterprise subtree to single-project workspaces
	Enterprise bool
}

// IsProject reports whether the workspace targets a single project file
func (p *Planner) IsProject() bool {
	return strings.HasSuffix(strings.ToLower(p.ProjectClientFile), ".uproject")
}

// ComputeSyncPaths returns the ordered, non-overlapping globs to sync.
//
// Custom rules starting with "/" add a client-rooted path; rules of the form
// "-/<dir>/..." drop every path added so far that lies under <dir>. The
// result is ordered by length and any path already covered by an earlier
// recursive entry is pruned.
func (p *Planner) ComputeSyncPaths(allProjects bool, customRules []string) []string {
	var paths []string
	if allProjects || !p.IsProject() {
		paths = append(paths, p.ClientRoot+recursive)
	} else {
		paths = append(paths, p.ClientRoot+"/*")
		paths = append(paths, p.ClientRoot+"/Engine"+recursive)
		if p.Enterprise {
			paths = append(paths, p.ClientRoot+"/Enterprise"+recursive)
		}
		paths = append(paths, DirectoryName(p.ProjectClientFile)+recursive)
	}

	for _, rule := range customRules {
		rule = strings.TrimSpace(rule)
		switch {
		case strings.HasPrefix(rule, "/"):
			paths = append(paths, p.ClientRoot+rule)
		case strings.HasPrefix(rule, "-/") && strings.HasSuffix(rule, "..."):
			prefix := p.ClientRoot + rule[1:len(rule)-3]
			kept := paths[:0]
			for _, path := range paths {
				if !strings.HasPrefix(path, prefix) {
					kept = append(kept, path)
				}
			}
			paths = kept
		}
	}

	sort.SliceStable(paths, func(i, j int) bool {
		return len(paths[i]) < len(paths[j])
	})

	// Prune entries covered by a shorter recursive entry
	for i := 0; i < len(paths); i++ {
		if !strings.HasSuffix(paths[i], "...") {
			continue
		}
		prefix := strings.TrimSuffix(paths[i], "...")
		for j := len(paths) - 1; j > i; j-- {
			if strings.HasPrefix(paths[j], prefix) {
				paths = append(paths[:j], paths[j+1:]...)
			}
		}
	}

	return paths
}

// DetectFilterChange hashes the sync paths and filter rules, in order, and
// reports whether the result differs from previousHash
func DetectFilterChange(previousHash string, syncPaths, customRules []string) (string, bool) {
	h := blake3.New()
	_, _ = h.Write([]byte(strings.Join(syncPaths, "\n")))
	if customRules != nil {
		_, _ = h.Write([]byte("--FROM--\n"))
		_, _ = h.Write([]byte(strings.Join(customRules, "\n")))
	}
	next := strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
	return next, next != previousHash
}

// ReconcileAgainstHaveList returns the depot paths of files present in the
// workspace that lie inside syncPaths but are excluded by userFilter. A nil
// userFilter excludes nothing.
func (p *Planner) ReconcileAgainstHaveList(have []vcs.FileRecord, syncPaths []string, userFilter *filter.FileFilter) ([]string, error) {
	if userFilter == nil {
		return nil, nil
	}

	inSyncPaths := filter.New(filter.Exclude)
	for _, syncPath := range syncPaths {
		if !strings.HasPrefix(syncPath, p.ClientRoot) {
			return nil, fmt.Errorf("invalid sync path; %q does not begin with %q", syncPath, p.ClientRoot)
		}
		inSyncPaths.Include(syncPath[len(p.ClientRoot):])
	}

	var candidates []string
	for _, rec := range have {
		rel, ok := p.relativeToLocalRoot(rec.ClientPath)
		if !ok {
			continue
		}
		if inSyncPaths.Matches(rel) && !userFilter.Matches(rel) {
			candidates = append(candidates, rec.DepotPath)
		}
	}
	return candidates, nil
}

// MatchesLocal reports whether a local file passes the filter. Files outside
// the workspace root always pass.
func (p *Planner) MatchesLocal(localPath string, f *filter.FileFilter) bool {
	if f == nil {
		return true
	}
	rel, ok := p.relativeToLocalRoot(localPath)
	if !ok {
		return true
	}
	return f.Matches(rel)
}

// relativeToLocalRoot returns the "/"-rooted path of a local file below the
// workspace root
func (p *Planner) relativeToLocalRoot(localPath string) (string, bool) {
	if localPath == "" {
		return "", false
	}
	full := filepath.ToSlash(filepath.Clean(localPath))
	root := strings.TrimSuffix(filepath.ToSlash(filepath.Clean(p.LocalRoot)), "/")
	if len(full) <= len(root) || !strings.EqualFold(full[:len(root)], root) || full[len(root)] != '/' {
		return "", false
	}
	return full[len(root):], true
}

// DirectoryName returns everything before the last "/" of a client or depot
// path
func DirectoryName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx != -1 {
		return path[:idx]
	}
	return path
}

// UserFilter builds the include-by-default filter for a list of rule lines,
// skipping blanks and comments. It returns nil when rules is nil.
func UserFilter(rules []string) *filter.FileFilter {
	if rules == nil {
		return nil
	}
	f := filter.New(filter.Include)
	for _, rule := range rules {
		if !filter.IsComment(rule) {
			f.AddRule(rule)
		}
	}
	return f
}
