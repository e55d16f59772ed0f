// Package tracker holds per-node annotations: whether entity decoding and
// the selection fix-up already ran on a node, and the original source of
// every rendered math node.
//
// A Tracker is owned by one page reactor and is not safe for concurrent use.
package tracker

import (
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Annotation is what the tracker remembers about one node.
type Annotation struct {
	Decoded        bool
	SelectionFixed bool
	// Source is the math source a rendered node replaced. HasSource is false
	// for nodes that were never produced by the engine.
	Source    string
	Display   bool
	HasSource bool
}

// Tracker maps node IDs to annotations.
type Tracker struct {
	notes map[mutation.NodeID]*Annotation
	// order keeps rendered nodes in the order they were produced.
	order []mutation.NodeID
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{notes: make(map[mutation.NodeID]*Annotation)}
}

func (t *Tracker) note(id mutation.NodeID) *Annotation {
	a, ok := t.notes[id]
	if !ok {
		a = &Annotation{}
		t.notes[id] = a
	}
	return a
}

// MarkDecoded records that entity decoding ran on id.
func (t *Tracker) MarkDecoded(id mutation.NodeID) { t.note(id).Decoded = true }

// IsDecoded reports whether MarkDecoded was called for id.
func (t *Tracker) IsDecoded(id mutation.NodeID) bool {
	a, ok := t.notes[id]
	return ok && a.Decoded
}

// MarkSelectionFixed records that the selection fix-up ran on id.
func (t *Tracker) MarkSelectionFixed(id mutation.NodeID) { t.note(id).SelectionFixed = true }

// IsSelectionFixed reports whether MarkSelectionFixed was called for id.
func (t *Tracker) IsSelectionFixed(id mutation.NodeID) bool {
	a, ok := t.notes[id]
	return ok && a.SelectionFixed
}

// Annotate stores the original source of a rendered node.
func (t *Tracker) Annotate(id mutation.NodeID, source string, display bool) {
	a := t.note(id)
	if !a.HasSource {
		t.order = append(t.order, id)
	}
	a.Source, a.Display, a.HasSource = source, display, true
}

// Source returns the stored source of a rendered node.
func (t *Tracker) Source(id mutation.NodeID) (source string, display, ok bool) {
	a, found := t.notes[id]
	if !found || !a.HasSource {
		return "", false, false
	}
	return a.Source, a.Display, true
}

// Rendered returns every annotated rendered node, oldest first.
func (t *Tracker) Rendered() []mutation.NodeID {
	return append([]mutation.NodeID(nil), t.order...)
}

// Get returns a copy of the annotation for id.
func (t *Tracker) Get(id mutation.NodeID) (Annotation, bool) {
	a, ok := t.notes[id]
	if !ok {
		return Annotation{}, false
	}
	return *a, true
}

// Forget drops everything known about id.
func (t *Tracker) Forget(id mutation.NodeID) {
	a, ok := t.notes[id]
	if !ok {
		return
	}
	delete(t.notes, id)
	if a.HasSource {
		t.dropOrder(func(n mutation.NodeID) bool { return n == id })
	}
}

func (t *Tracker) dropOrder(drop func(mutation.NodeID) bool) {
	kept := t.order[:0]
	for _, n := range t.order {
		if !drop(n) {
			kept = append(kept, n)
		}
	}
	t.order = kept
}

// Prune forgets the given nodes, and any annotated node beneath them, once
// they are no longer attached to h. Moved nodes keep their annotations.
func (t *Tracker) Prune(h host.Host, removed []mutation.NodeID) int {
	var gone []mutation.NodeID
	for _, r := range removed {
		if h.Attached(r) {
			continue
		}
		for id := range t.notes {
			if id == r || (!h.Attached(id) && h.Contains(r, id)) {
				gone = append(gone, id)
			}
		}
	}
	for _, id := range gone {
		t.Forget(id)
	}
	return len(gone)
}

// Len returns how many nodes carry an annotation.
func (t *Tracker) Len() int { return len(t.notes) }

// RenderedCount returns how many rendered nodes are tracked.
func (t *Tracker) RenderedCount() int { return len(t.order) }
