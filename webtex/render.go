package webtex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/webtex/dom"
	"github.com/hazyhaar/webtex/webtex/internal/reactor"
)

// RenderHTMLOptions configures an offline render.
type RenderHTMLOptions struct {
	// Hostname is the page host used for the run decision. Empty skips the
	// preference lookup.
	Hostname string
	// Sanitize writes the sanitized body fragment instead of the document.
	Sanitize bool
}

// RenderResult summarises an offline render.
type RenderResult struct {
	Expressions int           `json:"expressions"`
	Decoded     int           `json:"decoded"`
	Skipped     string        `json:"skipped,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// mathPolicy keeps the typeset markup: span classes, MathML and the source
// annotation.
func mathPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("span", "div", "p", "code", "pre")
	p.AllowAttrs("aria-hidden", "data-webtex-tex", "data-webtex-display").OnElements("span")
	p.AllowElements("math", "semantics", "annotation", "mrow", "mi", "mo", "mn", "msup", "msub", "mfrac", "msqrt", "mtext")
	p.AllowAttrs("encoding").OnElements("annotation")
	p.AllowAttrs("display", "xmlns").OnElements("math")
	return p
}

// RenderHTML typesets every expression of the document read from r and
// writes the result to w. It runs the same executor as live pages, with
// the in-memory DOM as host.
func (s *Service) RenderHTML(ctx context.Context, r io.Reader, w io.Writer, opts RenderHTMLOptions) (RenderResult, error) {
	d, err := dom.Parse(r, opts.Hostname)
	if err != nil {
		return RenderResult{}, fmt.Errorf("webtex: parse: %w", err)
	}
	enabled := true
	if opts.Hostname != "" {
		if on, err := s.store.GlobalEnabled(ctx); err == nil {
			enabled = on
		}
	}
	cfg := s.sessionConfig("render", d, dom.NewTypesetter(d), enabled)
	cfg.Trust = false
	if opts.Hostname == "" {
		cfg.ShouldRun = nil
	}
	sess := reactor.New(cfg)
	out, err := sess.RenderOnce(ctx)
	if err != nil {
		return RenderResult{}, err
	}
	res := RenderResult{
		Expressions: len(out.Rendered),
		Decoded:     out.Decoded,
		Skipped:     out.Skipped,
		Elapsed:     out.Elapsed,
	}
	if !opts.Sanitize {
		return res, d.Render(w)
	}
	var buf bytes.Buffer
	buf.WriteString(d.InnerHTML(d.Root()))
	if _, err := mathPolicy().SanitizeReader(&buf).WriteTo(w); err != nil {
		return res, err
	}
	return res, nil
}
