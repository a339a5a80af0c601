// Package session implements the inference node's per-stream state: the
// frame buffer, the stream actor with its per-frame pipeline, and the
// manager that multiplexes live streams.
package session

import (
	"time"

	"github.com/mindstreamlabs/cognitived/internal/store"
)

// BufferEntry is one buffered frame: its feature projection plus the raw
// signals the classifier fallback needs.
type BufferEntry struct {
	Features     []float64
	FaceDetected bool
	Timestamp    int64
	At           time.Time
}

// FrameBuffer is a bounded FIFO of the most recent N entries. Insertion
// is monotone; when full the oldest entry is evicted. The buffer is only
// touched from its stream's run loop and needs no locking.
type FrameBuffer struct {
	entries []BufferEntry
	cap     int
}

// NewFrameBuffer creates a buffer holding up to n entries.
func NewFrameBuffer(n int) *FrameBuffer {
	return &FrameBuffer{entries: make([]BufferEntry, 0, n), cap: n}
}

// Push appends an entry, evicting the oldest when full.
func (b *FrameBuffer) Push(e BufferEntry) {
	if len(b.entries) == b.cap {
		copy(b.entries, b.entries[1:])
		b.entries[len(b.entries)-1] = e
		return
	}
	b.entries = append(b.entries, e)
}

// Len returns the number of buffered entries.
func (b *FrameBuffer) Len() int { return len(b.entries) }

// Full reports sequence readiness: len == N.
func (b *FrameBuffer) Full() bool { return len(b.entries) == b.cap }

// Clear empties the buffer. Used on activity change.
func (b *FrameBuffer) Clear() { b.entries = b.entries[:0] }

// Window returns the feature matrix in arrival order. The rows alias the
// buffer; callers must not retain them across a Push.
func (b *FrameBuffer) Window() [][]float64 {
	w := make([][]float64, len(b.entries))
	for i := range b.entries {
		w[i] = b.entries[i].Features
	}
	return w
}

// WindowCopy returns a deep copy of the feature matrix, safe to retain.
func (b *FrameBuffer) WindowCopy() [][]float64 {
	w := make([][]float64, len(b.entries))
	for i := range b.entries {
		w[i] = append([]float64(nil), b.entries[i].Features...)
	}
	return w
}

// FaceRatio is the fraction of buffered frames with a detected face.
func (b *FrameBuffer) FaceRatio() float64 {
	if len(b.entries) == 0 {
		return 0
	}
	n := 0
	for i := range b.entries {
		if b.entries[i].FaceDetected {
			n++
		}
	}
	return float64(n) / float64(len(b.entries))
}

// Snapshot deep-copies the buffer for persistence as a pre-intervention
// snapshot.
func (b *FrameBuffer) Snapshot() []store.SnapshotEntry {
	out := make([]store.SnapshotEntry, len(b.entries))
	for i, e := range b.entries {
		out[i] = store.SnapshotEntry{
			Features:     append([]float64(nil), e.Features...),
			FaceDetected: e.FaceDetected,
			At:           e.At,
		}
	}
	return out
}
