package dom

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/webtex/mathtex"
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Typesetter is an in-process host.Engine for a Document. It produces
// KaTeX-shaped markup (span.katex with a MathML annotation carrying the
// source) without laying anything out, which is enough for tests and for
// offline pre-rendering where a browser replaces it later.
type Typesetter struct {
	doc *Document

	// Unavailable makes Render fail with host.ErrEngineUnavailable.
	Unavailable atomic.Bool

	calls atomic.Int64

	mu   sync.Mutex
	last host.RenderOptions
}

// NewTypesetter returns an engine bound to d.
func NewTypesetter(d *Document) *Typesetter {
	return &Typesetter{doc: d}
}

// Calls returns how many times Render was invoked.
func (t *Typesetter) Calls() int64 { return t.calls.Load() }

// LastOptions returns the options of the most recent Render call.
func (t *Typesetter) LastOptions() host.RenderOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Render implements host.Engine.
func (t *Typesetter) Render(ctx context.Context, root mutation.NodeID, opts host.RenderOptions) ([]host.Rendered, error) {
	t.calls.Add(1)
	t.mu.Lock()
	t.last = opts
	t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Unavailable.Load() {
		return nil, host.ErrEngineUnavailable
	}
	delims := opts.Delimiters
	if len(delims) == 0 {
		delims = mathtex.Delimiters
	}
	macros := macroReplacer(opts.Macros)

	d := t.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.get(root)
	if r == nil {
		return nil, host.ErrDetached
	}

	var texts []*node
	r.walk(func(n *node) bool {
		switch n.kind {
		case host.KindText:
			texts = append(texts, n)
		case host.KindElement:
			if contains(opts.IgnoredTags, n.tag) {
				return false
			}
			for _, c := range opts.IgnoredClasses {
				if n.hasClass(c) {
					return false
				}
			}
		}
		return true
	})

	var out []host.Rendered
	for _, tn := range texts {
		if tn.parent == nil {
			continue
		}
		segs := mathtex.SplitWith(tn.data, delims)
		if !renderable(segs) {
			if opts.ThrowOnError && anyMath(segs) {
				return out, fmt.Errorf("dom: typeset: malformed expression in %q", tn.data)
			}
			continue
		}
		var fresh []*node
		var added []mutation.NodeID
		for _, s := range segs {
			if !s.Math {
				fresh = append(fresh, d.newNode(host.KindText, "", s.Text))
				continue
			}
			if !wellFormed(s.Text) {
				if opts.ThrowOnError {
					return out, fmt.Errorf("dom: typeset: malformed expression %q", s.Text)
				}
				fresh = append(fresh, d.newNode(host.KindText, "", s.Raw()))
				continue
			}
			m := d.mathNode(s.Text, s.Display, macros)
			fresh = append(fresh, m)
			out = append(out, host.Rendered{Node: m.id, Source: s.Text, Display: s.Display})
		}
		p := tn.parent
		for _, f := range fresh {
			p.insertBefore(f, tn)
			added = append(added, f.id)
		}
		tn.detach()
		d.record(mutation.Record{
			Kind:    mutation.KindInsert,
			Target:  p.id,
			Added:   added,
			Removed: []mutation.NodeID{tn.id},
		}, p)
	}
	return out, nil
}

// mathNode builds span.katex, wrapped in span.katex-display for display
// mode. Caller holds d.mu.
func (d *Document) mathNode(src string, display bool, macros *strings.Replacer) *node {
	el := func(tag, class string) *node {
		n := d.newNode(host.KindElement, tag, "")
		if class != "" {
			n.setAttr("class", class)
		}
		return n
	}
	ann := el("annotation", "")
	ann.setAttr("encoding", "application/x-tex")
	ann.appendChild(d.newNode(host.KindText, "", src))
	sem := el("semantics", "")
	sem.appendChild(ann)
	math := el("math", "")
	if display {
		math.setAttr("display", "block")
	}
	math.appendChild(sem)
	mathml := el("span", "katex-mathml")
	mathml.appendChild(math)

	visual := el("span", "katex-html")
	visual.setAttr("aria-hidden", "true")
	shown := src
	if macros != nil {
		shown = macros.Replace(src)
	}
	visual.appendChild(d.newNode(host.KindText, "", shown))

	k := el("span", "katex")
	k.appendChild(mathml)
	k.appendChild(visual)
	if !display {
		return k
	}
	wrap := el("span", "katex-display")
	wrap.appendChild(k)
	return wrap
}

// renderable reports whether at least one segment would become math.
func renderable(segs []mathtex.Segment) bool {
	for _, s := range segs {
		if s.Math && wellFormed(s.Text) {
			return true
		}
	}
	return false
}

func anyMath(segs []mathtex.Segment) bool {
	for _, s := range segs {
		if s.Math {
			return true
		}
	}
	return false
}

// wellFormed rejects blank sources and unbalanced braces.
func wellFormed(src string) bool {
	if strings.TrimSpace(src) == "" {
		return false
	}
	depth := 0
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func macroReplacer(m map[string]string) *strings.Replacer {
	if len(m) == 0 {
		return nil
	}
	var pairs []string
	for _, k := range sortedKeys(m) {
		pairs = append(pairs, k, m[k])
	}
	return strings.NewReplacer(pairs...)
}
