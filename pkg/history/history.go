// Package history keeps a bounded, linear undo/redo stack of annotation
// snapshots.
package history

import (
	"time"

	"github.com/menta2k/image-annotator/pkg/annotation"
)

// DefaultLimit is the number of snapshots kept before the oldest is evicted.
const DefaultLimit = 50

// Snapshot is an immutable copy of an annotation list and the selection.
// SelectedID is zero when nothing was selected.
type Snapshot struct {
	Annotations []annotation.Annotation
	SelectedID  int64
	Taken       time.Time
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Annotations = make([]annotation.Annotation, len(s.Annotations))
	copy(out.Annotations, s.Annotations)
	return out
}

// History is a linear stack with a cursor pointing at the current state.
type History struct {
	entries []Snapshot
	cursor  int
	limit   int
	now     func() time.Time
}

// New creates an empty history. A non-positive limit uses DefaultLimit.
func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{cursor: -1, limit: limit, now: time.Now}
}

// Snapshot records list and selectedID as the new current state. Entries
// ahead of the cursor are dropped first; past the limit the oldest entry is
// evicted.
func (h *History) Snapshot(list []annotation.Annotation, selectedID int64) {
	h.entries = h.entries[:h.cursor+1]
	snap := Snapshot{Annotations: list, SelectedID: selectedID, Taken: h.now()}
	h.entries = append(h.entries, snap.clone())
	if len(h.entries) > h.limit {
		drop := len(h.entries) - h.limit
		h.entries = append([]Snapshot(nil), h.entries[drop:]...)
	}
	h.cursor = len(h.entries) - 1
}

// Undo steps back one entry and returns the state to restore. At the start
// of history it returns false and changes nothing.
func (h *History) Undo() (Snapshot, bool) {
	if !h.CanUndo() {
		return Snapshot{}, false
	}
	h.cursor--
	return h.entries[h.cursor].clone(), true
}

// Redo steps forward one entry. At the end of history it returns false.
func (h *History) Redo() (Snapshot, bool) {
	if !h.CanRedo() {
		return Snapshot{}, false
	}
	h.cursor++
	return h.entries[h.cursor].clone(), true
}

// Current returns the state at the cursor.
func (h *History) Current() (Snapshot, bool) {
	if h.cursor < 0 {
		return Snapshot{}, false
	}
	return h.entries[h.cursor].clone(), true
}

// Reset drops every entry.
func (h *History) Reset() {
	h.entries = nil
	h.cursor = -1
}

func (h *History) CanUndo() bool { return h.cursor > 0 }
func (h *History) CanRedo() bool { return h.cursor < len(h.entries)-1 }
func (h *History) Len() int      { return len(h.entries) }
func (h *History) Cursor() int   { return h.cursor }
