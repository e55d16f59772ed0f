// Package render runs the typesetting engine over one subtree, under the
// guards that keep it cheap: toggle state, editable regions, viewport, and
// a content heuristic.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/webtex/mathtex"
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/internal/observer"
	"github.com/hazyhaar/webtex/webtex/internal/tracker"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// SelectionCSS makes a rendered expression copy as its TeX source.
const SelectionCSS = `.katex[data-webtex-tex],.katex-display[data-webtex-tex]{user-select:all;-webkit-user-select:all}` +
	`.katex-mathml{user-select:none;-webkit-user-select:none}`

// TexAttr carries the delimited source on rendered nodes.
const TexAttr = "data-webtex-tex"

// Skip reasons reported in Outcome.
const (
	SkipDisabled  = "disabled"
	SkipDetached  = "detached"
	SkipEditable  = "editable"
	SkipOffscreen = "offscreen"
	SkipNoMath    = "no-math"
)

// Outcome describes one Render call.
type Outcome struct {
	Root     mutation.NodeID
	Skipped  string // empty when the engine ran
	Rendered []host.Rendered
	Decoded  int // text nodes rewritten by entity decoding
	Elapsed  time.Duration
}

// Config for an Executor.
type Config struct {
	Host     host.Host
	Engine   host.Engine
	Tracker  *tracker.Tracker
	Observer *observer.Manager
	Options  host.RenderOptions
	// Enabled is the toggle gate. Nil means always enabled.
	Enabled func() bool
	// Trust defers the engine call by one tick and enables the engine's
	// trust mode. Failures are logged and swallowed, except
	// host.ErrEngineUnavailable, which is still returned for a retry.
	Trust  bool
	Logger *slog.Logger
}

// Executor is the render executor of one page. Not safe for concurrent use.
type Executor struct {
	cfg           Config
	styleAttempts int
}

// New returns an Executor.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Enabled == nil {
		cfg.Enabled = func() bool { return true }
	}
	if cfg.Tracker == nil {
		cfg.Tracker = tracker.New()
	}
	if cfg.Trust {
		cfg.Options.Trust = true
	}
	return &Executor{cfg: cfg}
}

// Tracker returns the executor's tracker.
func (e *Executor) Tracker() *tracker.Tracker { return e.cfg.Tracker }

// Check evaluates the preconditions. It returns the skip reason, or "".
func (e *Executor) Check(root mutation.NodeID) string {
	h := e.cfg.Host
	switch {
	case !e.cfg.Enabled():
		return SkipDisabled
	case !h.Attached(root):
		return SkipDetached
	case host.IsEditable(h, root):
		return SkipEditable
	}
	if root == h.Root() {
		return ""
	}
	if !h.InViewport(root) {
		return SkipOffscreen
	}
	if !mathtex.LooksLikeMath(h.Text(root)) {
		return SkipNoMath
	}
	return ""
}

// Render typesets root. A failed precondition is not an error: the returned
// Outcome names the reason. host.ErrEngineUnavailable is returned wrapped so
// the caller can retry later.
func (e *Executor) Render(ctx context.Context, root mutation.NodeID) (Outcome, error) {
	return e.render(ctx, root, false)
}

// RenderDocument typesets the whole document, bypassing the viewport and
// content guards.
func (e *Executor) RenderDocument(ctx context.Context) (Outcome, error) {
	return e.render(ctx, e.cfg.Host.Root(), true)
}

func (e *Executor) render(ctx context.Context, root mutation.NodeID, whole bool) (Outcome, error) {
	start := time.Now()
	out := Outcome{Root: root}
	if whole {
		if !e.cfg.Enabled() {
			out.Skipped = SkipDisabled
			return out, nil
		}
	} else if reason := e.Check(root); reason != "" {
		out.Skipped = reason
		return out, nil
	}

	run := func() error {
		out.Decoded = e.decode(root, true)
		prior := e.texts(root)
		rendered, err := e.engine(ctx, root)
		if len(rendered) > 0 {
			e.settle(root, prior)
		}
		if err != nil {
			return err
		}
		out.Rendered = rendered
		e.annotate(rendered)
		return nil
	}
	var err error
	if e.cfg.Observer != nil {
		err = e.cfg.Observer.Suspended(run)
	} else {
		err = run()
	}
	out.Elapsed = time.Since(start)
	if err != nil {
		return out, err
	}
	e.cfg.Logger.Debug("render: done", "root", root, "rendered", len(out.Rendered), "decoded", out.Decoded, "elapsed", out.Elapsed)
	return out, nil
}

func (e *Executor) engine(ctx context.Context, root mutation.NodeID) ([]host.Rendered, error) {
	if !e.cfg.Trust {
		rendered, err := e.cfg.Engine.Render(ctx, root, e.cfg.Options)
		if err != nil {
			return rendered, fmt.Errorf("render: engine: %w", err)
		}
		return rendered, nil
	}
	// Strict-policy hosts: yield once so the page settles, then render in
	// trust mode.
	tick := time.NewTimer(0)
	select {
	case <-ctx.Done():
		tick.Stop()
		return nil, ctx.Err()
	case <-tick.C:
	}
	rendered, err := e.cfg.Engine.Render(ctx, root, e.cfg.Options)
	switch {
	case errors.Is(err, host.ErrEngineUnavailable):
		return rendered, fmt.Errorf("render: trusted engine: %w", err)
	case err != nil:
		e.cfg.Logger.Warn("render: trusted engine call failed", "root", root, "error", err)
	}
	return rendered, nil
}

// decode rewrites &gt; &lt; &amp; in text under el once per node:
// elements already decoded are skipped with their subtree, except the
// render root, whose own text children are revisited and decoded only when
// they are new.
func (e *Executor) decode(el mutation.NodeID, top bool) int {
	h, tr := e.cfg.Host, e.cfg.Tracker
	if !top && tr.IsDecoded(el) {
		return 0
	}
	n := 0
	for _, c := range h.Children(el) {
		switch h.Kind(c) {
		case host.KindText:
			if tr.IsDecoded(c) {
				continue
			}
			n += e.decodeText(c)
			tr.MarkDecoded(c)
		case host.KindElement:
			if skipDecode(h, c) {
				continue
			}
			n += e.decode(c, false)
		}
	}
	tr.MarkDecoded(el)
	return n
}

func (e *Executor) decodeText(id mutation.NodeID) int {
	h := e.cfg.Host
	old := h.Text(id)
	dec := mathtex.DecodeEntities(old)
	if dec == old {
		return 0
	}
	if err := h.SetText(id, dec); err != nil {
		e.cfg.Logger.Warn("render: entity decode failed", "node", id, "error", err)
		return 0
	}
	return 1
}

func (e *Executor) texts(el mutation.NodeID) []mutation.NodeID {
	h := e.cfg.Host
	var out []mutation.NodeID
	for _, c := range h.Children(el) {
		if h.Kind(c) == host.KindText {
			out = append(out, c)
		}
	}
	return out
}

// settle runs after the engine split the root's text around the
// expressions it typeset. The new text nodes hold already decoded text and
// the ones they replaced are gone.
func (e *Executor) settle(root mutation.NodeID, prior []mutation.NodeID) {
	h, tr := e.cfg.Host, e.cfg.Tracker
	for _, id := range prior {
		if !h.Attached(id) {
			tr.Forget(id)
		}
	}
	for _, id := range e.texts(root) {
		tr.MarkDecoded(id)
	}
}

func skipDecode(h host.Host, id mutation.NodeID) bool {
	tag := h.Tag(id)
	if mathtex.IsIgnoredTag(tag) {
		return true
	}
	if v, ok := h.Attr(id, "contenteditable"); ok && v != "false" {
		return true
	}
	for _, c := range h.Classes(id) {
		for _, ic := range mathtex.IgnoredClasses {
			if c == ic {
				return true
			}
		}
	}
	return false
}

// annotate stores sources, applies the selection fix-up once per node and
// injects the selection style sheet once per page.
func (e *Executor) annotate(rendered []host.Rendered) {
	h, tr := e.cfg.Host, e.cfg.Tracker
	for _, r := range rendered {
		tr.Annotate(r.Node, r.Source, r.Display)
		if tr.IsSelectionFixed(r.Node) {
			continue
		}
		if err := h.SetAttr(r.Node, TexAttr, mathtex.Wrap(r.Source, r.Display)); err != nil {
			e.cfg.Logger.Warn("render: selection fix-up failed", "node", r.Node, "error", err)
		}
		tr.MarkSelectionFixed(r.Node)
	}
	if len(rendered) == 0 || e.styleAttempts > 0 {
		return
	}
	e.styleAttempts++
	if err := h.InjectStyle(SelectionCSS); err != nil {
		if errors.Is(err, host.ErrPolicy) {
			e.cfg.Logger.Info("render: selection style blocked by page policy")
			return
		}
		e.cfg.Logger.Warn("render: inject style failed", "error", err)
	}
}
