package observer

import (
	"errors"
	"testing"

	"github.com/hazyhaar/webtex/dom"
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

func setup(t *testing.T) (*dom.Document, *Manager, *[]mutation.Batch) {
	t.Helper()
	d, err := dom.ParseString(`<body><div id="c"></div></body>`, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	var got []mutation.Batch
	m := New(d, host.DefaultScope, func(b mutation.Batch) { got = append(got, b) }, nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	return d, m, &got
}

func TestSuspended_WritesAreNotReported(t *testing.T) {
	d, m, got := setup(t)
	c := d.ElementByID("c")
	err := m.Suspended(func() error {
		_, err := d.AppendHTML(c, "<p>own write</p>")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	d.Flush()
	if len(*got) != 0 {
		t.Fatalf("self write reported: %+v", *got)
	}
	if !m.Active() || !d.Observing() {
		t.Fatal("subscription not resumed")
	}
	_, _ = d.AppendHTML(c, "<p>page write</p>")
	d.Flush()
	if len(*got) != 1 {
		t.Fatalf("page write after resume: got %d batches", len(*got))
	}
}

func TestSuspend_DeliversQueuedFirst(t *testing.T) {
	d, m, got := setup(t)
	_, _ = d.AppendText(d.ElementByID("c"), "before")
	m.Suspend()
	if len(*got) != 1 {
		t.Fatalf("queued batch: got %d, want 1", len(*got))
	}
	_ = m.Resume()
}

func TestSuspend_Nests(t *testing.T) {
	d, m, _ := setup(t)
	m.Suspend()
	m.Suspend()
	_ = m.Resume()
	if d.Observing() {
		t.Fatal("inner resume must not resubscribe")
	}
	_ = m.Resume()
	if !d.Observing() {
		t.Fatal("outer resume must resubscribe")
	}
}

func TestSuspended_ReturnsFnError(t *testing.T) {
	_, m, _ := setup(t)
	boom := errors.New("boom")
	if err := m.Suspended(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if !m.Active() {
		t.Error("failed fn must still resume")
	}
}

func TestVisibility_ResubscribesOnShow(t *testing.T) {
	d, m, _ := setup(t)
	if m.Visibility(true) {
		t.Error("visible to visible is not a transition")
	}
	if m.Visibility(false) {
		t.Error("hiding must not request catch-up")
	}
	if !m.Visibility(true) {
		t.Fatal("hidden to visible must request catch-up")
	}
	if m.Resubscribes() != 1 || !d.Observing() {
		t.Errorf("resubscribes %d, observing %v", m.Resubscribes(), d.Observing())
	}
}

func TestStop(t *testing.T) {
	d, m, _ := setup(t)
	m.Stop()
	if d.Observing() || m.Active() {
		t.Fatal("still observing after stop")
	}
}
