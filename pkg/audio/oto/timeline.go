package oto

import (
	"cmp"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// timeline renders scheduled buffers onto a continuous PCM16 stream. It is
// the io.Reader behind the stream's single oto player, so device time is the
// number of frames the player has pulled and every buffer starts on an exact
// frame. Frames not covered by any buffer are silence.
type timeline struct {
	rate     int
	channels int

	mu      sync.Mutex
	pos     int64 // frames rendered so far
	entries []*entry
	closed  bool

	// Requested and actual end of the most recently added entry. A buffer
	// that was queued back to back with it follows its actual end, so a
	// late start never opens a gap or an overlap in the chain.
	lastReqEnd int64
	lastEnd    int64
}

// entry is one buffer on the timeline.
type entry struct {
	tl         *timeline
	start      int64
	samples    []float32 // interleaved
	onComplete func()
}

func newTimeline(rate, channels int) *timeline {
	return &timeline{rate: rate, channels: channels}
}

// now returns the device time of the next frame to be rendered.
func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

func (t *timeline) frameTime(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(t.rate)
}

func (t *timeline) timeFrame(d time.Duration) int64 {
	return int64(d) * int64(t.rate) / int64(time.Second)
}

// add places samples on the timeline at startAt. A start that has already
// been rendered is moved to the current position.
func (t *timeline) add(samples []float32, startAt time.Duration, onComplete func()) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}

	req := t.timeFrame(startAt)
	start := req
	if req == t.lastReqEnd && t.lastEnd > start {
		start = t.lastEnd
	}
	start = max(start, t.pos)

	e := &entry{tl: t, start: start, samples: samples, onComplete: onComplete}
	t.entries = append(t.entries, e)
	t.lastReqEnd = req + e.frames()
	t.lastEnd = e.end()
	return e, true
}

func (e *entry) frames() int64 { return int64(len(e.samples) / e.tl.channels) }

func (e *entry) end() int64 { return e.start + e.frames() }

// remove drops e if it has not finished yet.
func (t *timeline) remove(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := slices.Index(t.entries, e); i >= 0 {
		t.entries = slices.Delete(t.entries, i, i+1)
	}
}

// stopAll drops every pending entry.
func (t *timeline) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// shutdown makes further reads return io.EOF and drops every entry.
func (t *timeline) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.entries = nil
}

// pending returns the number of entries that have not finished.
func (t *timeline) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Read renders the next len(p)/frameSize frames. Completion callbacks of
// entries that ended within them run after the lock is released.
func (t *timeline) Read(p []byte) (int, error) {
	frameSize := 2 * t.channels
	n := int64(len(p) / frameSize)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	from, to := t.pos, t.pos+n
	mix := make([]float32, int(n)*t.channels)
	var done []*entry
	remaining := t.entries[:0]
	for _, e := range t.entries {
		lo, hi := max(e.start, from), min(e.end(), to)
		for f := lo; f < hi; f++ {
			src := e.samples[(f-e.start)*int64(t.channels):]
			dst := mix[(f-from)*int64(t.channels):]
			for c := range t.channels {
				dst[c] += src[c]
			}
		}
		if e.end() <= to {
			done = append(done, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	clear(t.entries[len(remaining):])
	t.entries = remaining
	t.pos = to
	t.mu.Unlock()

	copy(p, audio.EncodePCM16(mix))

	slices.SortFunc(done, func(a, b *entry) int { return cmp.Compare(a.end(), b.end()) })
	for _, e := range done {
		if e.onComplete != nil {
			e.onComplete()
		}
	}
	return int(n) * frameSize, nil
}
