package sync

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/schaermu/wsyncd/internal/buildstep"
	"github.com/schaermu/wsyncd/internal/vcs"
)

// Options selects the stages of an update
type Options uint32

const (
	Sync Options = 1 << iota
	SyncSingleRevision
	AutoResolve
	GenerateProjectFiles
	SyncArchives
	Build
	IncrementalBuild
	ScheduledBuild
	RunAfterSync
	OpenIDEAfterSync
	ContentOnly
	UpdateFilter
	SyncAllProjects
	IncludeAllProjectsInSolution
)

var optionNames = []string{
	"Sync",
	"SyncSingleRevision",
	"AutoResolve",
	"GenerateProjectFiles",
	"SyncArchives",
	"Build",
	"IncrementalBuild",
	"ScheduledBuild",
	"RunAfterSync",
	"OpenIDEAfterSync",
	"ContentOnly",
	"UpdateFilter",
	"SyncAllProjects",
	"IncludeAllProjectsInSolution",
}

// Has reports whether every flag in o is set
func (opts Options) Has(o Options) bool {
	return opts&o == o
}

func (opts Options) String() string {
	var names []string
	for i, name := range optionNames {
		if opts&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// Result is the outcome of an update
type Result int

const (
	Canceled Result = iota
	FailedToSync
	FailedToSyncLoginExpired
	FilesToDelete
	FilesToResolve
	FilesToClobber
	FailedToCompile
	FailedToCompileWithCleanWorkspace
	Success
)

var resultNames = [...]string{
	"Canceled",
	"FailedToSync",
	"FailedToSyncLoginExpired",
	"FilesToDelete",
	"FilesToResolve",
	"FilesToClobber",
	"FailedToCompile",
	"FailedToCompileWithCleanWorkspace",
	"Success",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "Unknown"
}

// NeedsInput reports whether the result is a checkpoint the caller answers
// before resubmitting the same request
func (r Result) NeedsInput() bool {
	return r == FilesToDelete || r == FilesToClobber
}

// Decision is the caller's answer for one path
type Decision int

const (
	Pending Decision = iota
	Accept
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	}
	return "pending"
}

// Ticket carries delete and clobber decisions across resubmissions of one
// request. A decision, once made, is never replaced.
type Ticket struct {
	mu      sync.Mutex
	deletes map[string]Decision
	clobber map[string]Decision
}

// NewTicket creates an empty ticket
func NewTicket() *Ticket {
	return &Ticket{
		deletes: make(map[string]Decision),
		clobber: make(map[string]Decision),
	}
}

// offer records candidates as pending, drops stale pending entries and
// returns the candidates still waiting for an answer
func offer(decisions map[string]Decision, candidates []string) []string {
	current := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		current[c] = true
		if _, ok := decisions[c]; !ok {
			decisions[c] = Pending
		}
	}
	var waiting []string
	for path, d := range decisions {
		if d != Pending {
			continue
		}
		if !current[path] {
			delete(decisions, path)
			continue
		}
		waiting = append(waiting, path)
	}
	sort.Strings(waiting)
	return waiting
}

func decide(decisions map[string]Decision, path string, d Decision) bool {
	if prev, ok := decisions[path]; ok && prev != Pending {
		return false
	}
	decisions[path] = d
	return true
}

func snapshot(decisions map[string]Decision, want Decision) []string {
	var out []string
	for path, d := range decisions {
		if d == want {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// OfferDeletes records deletion candidates and returns the undecided ones
func (t *Ticket) OfferDeletes(depotPaths []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return offer(t.deletes, depotPaths)
}

// OfferClobbers records tampered files and returns the undecided ones
func (t *Ticket) OfferClobbers(localPaths []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return offer(t.clobber, localPaths)
}

// DecideDelete answers a pending deletion. It reports false when the path
// already had an answer, which is kept.
func (t *Ticket) DecideDelete(depotPath string, d Decision) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return decide(t.deletes, depotPath, d)
}

// DecideClobber answers a pending clobber; see DecideDelete
func (t *Ticket) DecideClobber(localPath string, d Decision) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return decide(t.clobber, localPath, d)
}

// Delete returns the current decision for a depot path
func (t *Ticket) Delete(depotPath string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deletes[depotPath]
}

// Clobber returns the current decision for a local path
func (t *Ticket) Clobber(localPath string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clobber[localPath]
}

// PendingDeletes lists deletions waiting for an answer
func (t *Ticket) PendingDeletes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(t.deletes, Pending)
}

// PendingClobbers lists clobbers waiting for an answer
func (t *Ticket) PendingClobbers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(t.clobber, Pending)
}

// UpdateRequest describes one logical update. The same request, with its
// ticket, is resubmitted after every checkpoint until it resolves.
type UpdateRequest struct {
	Revision int
	Options  Options
	// SyncFilter holds the custom filter rules; nil means no user filter
	SyncFilter []string
	// Archives maps an archive kind to its depot path; nil removes the kind
	Archives map[string]*string
	Ticket   *Ticket

	DefaultSteps  []buildstep.Definition
	UserSteps     []buildstep.Definition
	CustomStepIDs []uuid.UUID
	Variables     map[string]string
	SyncOptions   vcs.SyncOptions

	// Attempts counts submissions of this request
	Attempts int
}

// NewRequest creates a request with an empty ticket
func NewRequest(revision int, opts Options) *UpdateRequest {
	return &UpdateRequest{
		Revision:  revision,
		Options:   opts,
		Ticket:    NewTicket(),
		Variables: make(map[string]string),
	}
}
