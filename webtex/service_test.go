package webtex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/webtex/dbopen"
	"github.com/hazyhaar/webtex/dom"
	"github.com/hazyhaar/webtex/horosafe"
	"github.com/hazyhaar/webtex/idgen"
	"github.com/hazyhaar/webtex/webtex/internal/prefs"
	"github.com/hazyhaar/webtex/webtex/internal/toggle"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := prefs.New(dbopen.OpenMemory(t), quiet)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Prefs.WatchInterval = 10 * time.Millisecond
	cfg.Prefs.WatchDebounce = 0
	s, err := New(cfg, quiet,
		WithStore(st),
		WithRegistry(prometheus.NewRegistry()),
		WithIDs(idgen.Sequence("page-")),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func attachDoc(t *testing.T, s *Service, id, markup, hostname string) *dom.Document {
	t.Helper()
	d, err := dom.ParseString(markup, hostname)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Attach(context.Background(), id, d, dom.NewTypesetter(d)); err != nil {
		t.Fatalf("Attach(%s): %v", id, err)
	}
	return d
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func rendered(s *Service, id string, n int) func() bool {
	return func() bool {
		st, err := s.PageStatus(id)
		return err == nil && st.Rendered == n
	}
}

func TestAttach_RendersDocument(t *testing.T) {
	s := newService(t)
	d := attachDoc(t, s, "p1", `<body><p id="p">$x^2$ and $$y$$</p></body>`, "example.org")

	eventually(t, "initial render", rendered(s, "p1", 2))
	body := d.InnerHTML(d.Root())
	if !strings.Contains(body, `class="katex"`) || !strings.Contains(body, "katex-display") {
		t.Fatalf("body not typeset: %s", body)
	}
	st, _ := s.PageStatus("p1")
	if !st.Running || !st.Observing || st.Host != "example.org" {
		t.Fatalf("status: %+v", st)
	}
}

func TestAttach_GeneratedAndInvalidIDs(t *testing.T) {
	s := newService(t)
	d, _ := dom.ParseString(`<body><p>$a$</p></body>`, "example.org")
	sess, err := s.Attach(context.Background(), "", d, dom.NewTypesetter(d))
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID() != "page-1" {
		t.Fatalf("generated id: %q", sess.ID())
	}

	if _, err := s.Attach(context.Background(), "page-1", d, dom.NewTypesetter(d)); !errors.Is(err, ErrDuplicatePage) {
		t.Fatalf("duplicate: got %v, want ErrDuplicatePage", err)
	}
	if _, err := s.Attach(context.Background(), "../etc", d, dom.NewTypesetter(d)); !errors.Is(err, horosafe.ErrInvalid) {
		t.Fatalf("invalid id: got %v, want ErrInvalid", err)
	}
}

func TestSetEnabled_RestoresRawAndPersists(t *testing.T) {
	s := newService(t)
	d := attachDoc(t, s, "p1", `<body><p id="p">s = $\sqrt{2}$</p></body>`, "example.org")
	eventually(t, "initial render", rendered(s, "p1", 1))

	ctx := context.Background()
	if err := s.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := d.Text(d.ElementByID("p")); got != `s = $\sqrt{2}$` {
		t.Fatalf("raw text: %q", got)
	}
	on, err := s.Store().GlobalEnabled(ctx)
	if err != nil || on {
		t.Fatalf("global flag: %v, %v; want false", on, err)
	}
	eventually(t, "disabled state", func() bool {
		st, _ := s.PageStatus("p1")
		return st.State == toggle.DisabledRaw
	})

	if err := s.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "re-render", rendered(s, "p1", 1))
}

func TestToggle_SinglePageAndUnknown(t *testing.T) {
	s := newService(t)
	attachDoc(t, s, "a", `<body><p>$a$</p></body>`, "example.org")
	attachDoc(t, s, "b", `<body><p>$b$</p></body>`, "example.org")
	eventually(t, "a rendered", rendered(s, "a", 1))
	eventually(t, "b rendered", rendered(s, "b", 1))

	ctx := context.Background()
	if err := s.Toggle(ctx, "a", toggle.Message{Action: toggle.ActionToggle, Enabled: false}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a raw", rendered(s, "a", 0))
	if st, _ := s.PageStatus("b"); st.Rendered != 1 {
		t.Fatalf("b should be untouched: %+v", st)
	}
	if err := s.Toggle(ctx, "missing", toggle.Message{Action: toggle.ActionToggle}); !errors.Is(err, ErrUnknownPage) {
		t.Fatalf("unknown page: got %v", err)
	}
	if err := s.Toggle(ctx, "a", toggle.Message{Action: "explode"}); !errors.Is(err, toggle.ErrUnknownAction) {
		t.Fatalf("unknown action: got %v", err)
	}
}

func TestPrefsChanged_WatcherStartsDisabledSite(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	if err := s.Store().SetHostEnabled(ctx, "math.example.org", false); err != nil {
		t.Fatal(err)
	}
	attachDoc(t, s, "p1", `<body><p>$x$</p></body>`, "math.example.org")
	eventually(t, "decision", func() bool {
		st, _ := s.PageStatus("p1")
		return st.Running && st.Decision.Reason == "disabled for site"
	})
	if st, _ := s.PageStatus("p1"); st.Rendered != 0 {
		t.Fatalf("disabled site rendered: %+v", st)
	}

	// Written straight to the store: only the change-log watcher can notice.
	if err := s.Store().ClearHost(ctx, "example.org"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "render after prefs change", rendered(s, "p1", 1))
}

func TestDetach(t *testing.T) {
	s := newService(t)
	attachDoc(t, s, "p1", `<body><p>$x$</p></body>`, "example.org")
	eventually(t, "render", rendered(s, "p1", 1))

	if err := s.Detach("p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PageStatus("p1"); !errors.Is(err, ErrUnknownPage) {
		t.Fatalf("after detach: %v", err)
	}
	if err := s.Detach("p1"); !errors.Is(err, ErrUnknownPage) {
		t.Fatalf("second detach: %v", err)
	}
}

func TestStatus(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	if err := s.SetHostEnabled(ctx, "www.example.com", false); err != nil {
		t.Fatal(err)
	}
	attachDoc(t, s, "b", `<body><p>$x$</p></body>`, "example.org")
	attachDoc(t, s, "a", `<body><p>$x$</p></body>`, "example.org")

	st, err := s.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.GlobalEnabled {
		t.Error("global flag should default to enabled")
	}
	if on, ok := st.Sites["example.com"]; !ok || on {
		t.Errorf("sites: %v", st.Sites)
	}
	if len(st.Pages) != 2 || st.Pages[0].PageID != "a" || st.Pages[1].PageID != "b" {
		t.Errorf("pages: %+v", st.Pages)
	}
}

func TestStop_RejectsAttach(t *testing.T) {
	s := newService(t)
	attachDoc(t, s, "p1", `<body><p>$x$</p></body>`, "example.org")
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	d, _ := dom.ParseString(`<body></body>`, "example.org")
	if _, err := s.Attach(context.Background(), "p2", d, dom.NewTypesetter(d)); !errors.Is(err, ErrClosed) {
		t.Fatalf("attach after stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestRenderHTML(t *testing.T) {
	s := newService(t)
	var out bytes.Buffer
	res, err := s.RenderHTML(context.Background(), strings.NewReader(`<html><body><p>Euler: $e^{i\pi}+1=0$</p></body></html>`), &out, RenderHTMLOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Expressions != 1 || res.Skipped != "" {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(out.String(), `class="katex"`) || !strings.Contains(out.String(), "<html>") {
		t.Fatalf("output: %s", out.String())
	}
}

func TestRenderHTML_Sanitize(t *testing.T) {
	s := newService(t)
	var out bytes.Buffer
	in := `<body><p onclick="x()">$a$</p><script>alert(1)</script></body>`
	res, err := s.RenderHTML(context.Background(), strings.NewReader(in), &out, RenderHTMLOptions{Sanitize: true})
	if err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if res.Expressions != 1 || !strings.Contains(got, "katex") {
		t.Fatalf("math lost: %+v %s", res, got)
	}
	if strings.Contains(got, "<script") || strings.Contains(got, "onclick") || strings.Contains(got, "<body") {
		t.Fatalf("not sanitized: %s", got)
	}
}

func TestRenderHTML_DisabledSiteSkips(t *testing.T) {
	s := newService(t)
	if err := s.Store().SetHostEnabled(context.Background(), "blog.example.net", false); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	res, err := s.RenderHTML(context.Background(), strings.NewReader(`<body><p>$a$</p></body>`), &out, RenderHTMLOptions{Hostname: "blog.example.net"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Expressions != 0 || res.Skipped != "disabled for site" {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(out.String(), "$a$") {
		t.Fatalf("source should be untouched: %s", out.String())
	}
}
