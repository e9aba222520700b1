// Package progress tracks the status of a long running update.
//
// A Progress is written by the worker and read by any observer. Fractions are
// relative to the innermost pushed range, so a sub-operation can report 0..1
// without knowing how much of the overall work it represents.
package progress

import (
	"sync"
	"time"
)

type span struct {
	min, max float32
}

// Snapshot is an immutable view of a Progress
type Snapshot struct {
	Message      string
	Fraction     float32
	LastActivity time.Time
}

// Progress is a message, an absolute fraction and a stack of nested ranges
type Progress struct {
	mu           sync.RWMutex
	message      string
	fraction     float32
	ranges       []span
	lastActivity time.Time
	now          func() time.Time
}

// New creates an empty Progress
func New() *Progress {
	p := &Progress{now: time.Now}
	p.Clear()
	return p
}

// Clear resets the message, fraction and range stack
func (p *Progress) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.message = ""
	p.fraction = 0
	p.ranges = []span{{0, 1}}
	p.lastActivity = p.now()
}

// SetMessage updates the message and keeps the fraction
func (p *Progress) SetMessage(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.message = message
	p.lastActivity = p.now()
}

// Set updates the message and the fraction within the current range
func (p *Progress) Set(message string, fraction float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.message = message
	p.fraction = p.absolute(fraction)
	p.lastActivity = p.now()
}

// SetFraction updates the fraction within the current range
func (p *Progress) SetFraction(fraction float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fraction = p.absolute(fraction)
	p.lastActivity = p.now()
}

// Push opens a sub-range from the current fraction up to max, where max is
// relative to the current range
func (p *Progress) Push(max float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ranges = append(p.ranges, span{min: p.fraction, max: p.absolute(max)})
}

// Pop closes the innermost range and moves the fraction to its end
func (p *Progress) Pop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ranges) <= 1 {
		return
	}
	top := p.ranges[len(p.ranges)-1]
	p.ranges = p.ranges[:len(p.ranges)-1]
	p.fraction = top.max
}

// Depth returns the number of open ranges, including the outermost
func (p *Progress) Depth() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ranges)
}

// PopTo closes ranges until depth remain, leaving the fraction at the end of
// the outermost range it closed
func (p *Progress) PopTo(depth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if depth < 1 {
		depth = 1
	}
	for len(p.ranges) > depth {
		top := p.ranges[len(p.ranges)-1]
		p.ranges = p.ranges[:len(p.ranges)-1]
		p.fraction = top.max
	}
}

// Touch records output activity without changing status
func (p *Progress) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = p.now()
}

// Current returns a consistent snapshot
func (p *Progress) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{Message: p.message, Fraction: p.fraction, LastActivity: p.lastActivity}
}

// absolute maps a fraction of the innermost range onto 0..1; callers hold mu
func (p *Progress) absolute(fraction float32) float32 {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	top := p.ranges[len(p.ranges)-1]
	return top.min + (top.max-top.min)*fraction
}
