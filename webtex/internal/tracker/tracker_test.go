package tracker

import (
	"testing"

	"github.com/hazyhaar/webtex/dom"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

func TestMarks(t *testing.T) {
	tr := New()
	if tr.IsDecoded(1) || tr.IsSelectionFixed(1) {
		t.Fatal("fresh tracker must know nothing")
	}
	tr.MarkDecoded(1)
	tr.MarkSelectionFixed(2)
	if !tr.IsDecoded(1) || tr.IsSelectionFixed(1) {
		t.Error("node 1: want decoded only")
	}
	if tr.IsDecoded(2) || !tr.IsSelectionFixed(2) {
		t.Error("node 2: want selection fixed only")
	}
}

func TestAnnotate_KeepsOrder(t *testing.T) {
	tr := New()
	tr.Annotate(5, "a", false)
	tr.Annotate(3, "b", true)
	tr.Annotate(5, "a2", false)
	got := tr.Rendered()
	if len(got) != 2 || got[0] != 5 || got[1] != 3 {
		t.Fatalf("rendered order: got %v, want [5 3]", got)
	}
	src, display, ok := tr.Source(5)
	if !ok || src != "a2" || display {
		t.Errorf("source 5: got %q %v %v", src, display, ok)
	}
	tr.Forget(5)
	if _, _, ok := tr.Source(5); ok {
		t.Error("forgotten node still has a source")
	}
	if tr.RenderedCount() != 1 {
		t.Errorf("rendered count: got %d, want 1", tr.RenderedCount())
	}
}

func TestPrune_DetachedSubtree(t *testing.T) {
	d, err := dom.ParseString(`<body><div id="a"><span id="s">x</span></div><p id="p">y</p></body>`, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	a, s, p := d.ElementByID("a"), d.ElementByID("s"), d.ElementByID("p")
	tr := New()
	tr.Annotate(s, "x", false)
	tr.MarkDecoded(a)
	tr.MarkDecoded(p)

	if err := d.Remove(a); err != nil {
		t.Fatal(err)
	}
	if n := tr.Prune(d, []mutation.NodeID{a}); n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	if tr.IsDecoded(a) || tr.RenderedCount() != 0 {
		t.Error("detached annotations survived")
	}
	if !tr.IsDecoded(p) {
		t.Error("attached sibling lost its annotation")
	}
}
