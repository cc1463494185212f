// Package transcript keeps the bounded, ordered log of transcript deltas shown
// to the user while a session is open.
//
// The [Aggregator] is written by exactly one goroutine (the session's inbound
// dispatcher) and read by any number of renderers. Every [Aggregator.Append]
// publishes a new log through an atomic pointer, so [Aggregator.Snapshot]
// never waits for the writer. Snapshots are copies owned by the caller.
package transcript

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// DefaultRetention is the number of entries kept when no retention is given.
const DefaultRetention = 20

// Entry is one transcript delta.
type Entry struct {
	// Seq is the position of the entry in the session, starting at 1. It keeps
	// increasing after older entries are evicted.
	Seq uint64

	// Speaker identifies who said it.
	Speaker s2s.Speaker

	// Text is the delta as received.
	Text string

	// At is the receive time of the delta.
	At time.Time
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithRetention sets the number of most recent entries to keep. Values below
// one are ignored.
func WithRetention(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.retention = n
		}
	}
}

// WithNotify registers fn to be called after every append with a copy of the
// new log. fn runs on the appending goroutine and must not block.
func WithNotify(fn func([]Entry)) Option {
	return func(a *Aggregator) { a.notify = fn }
}

// Aggregator is a bounded, ordered transcript log.
type Aggregator struct {
	retention int
	notify    func([]Entry)

	mu  sync.Mutex // serialises writers
	seq uint64
	log atomic.Pointer[[]Entry]
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{retention: DefaultRetention}
	for _, o := range opts {
		o(a)
	}
	empty := []Entry{}
	a.log.Store(&empty)
	return a
}

// Append adds a delta to the end of the log, evicting the oldest entries once
// the retention bound is exceeded. Seq and a zero At are filled in. Returns
// the stored entry.
func (a *Aggregator) Append(e Entry) Entry {
	a.mu.Lock()
	a.seq++
	e.Seq = a.seq
	if e.At.IsZero() {
		e.At = time.Now()
	}

	cur := *a.log.Load()
	keep := cur
	if len(keep) >= a.retention {
		keep = keep[len(keep)-a.retention+1:]
	}
	next := make([]Entry, len(keep), len(keep)+1)
	copy(next, keep)
	next = append(next, e)
	a.log.Store(&next)
	a.mu.Unlock()

	if a.notify != nil {
		a.notify(slices.Clone(next))
	}
	return e
}

// Snapshot returns a copy of the current log, oldest first. The caller may
// modify it freely.
func (a *Aggregator) Snapshot() []Entry {
	return slices.Clone(*a.log.Load())
}

// Len returns the number of retained entries.
func (a *Aggregator) Len() int {
	return len(*a.log.Load())
}

// Retention returns the configured retention bound.
func (a *Aggregator) Retention() int { return a.retention }

// Total returns the number of entries ever appended.
func (a *Aggregator) Total() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}
