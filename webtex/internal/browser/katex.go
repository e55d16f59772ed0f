package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Assets are the KaTeX files injected into a page.
type Assets struct {
	ScriptURL     string
	AutoRenderURL string
	StyleURL      string
}

// URLs returns the non-empty asset URLs, for resource-blocking exemptions.
func (a Assets) URLs() []string {
	var out []string
	for _, u := range []string{a.ScriptURL, a.AutoRenderURL, a.StyleURL} {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

// loadJS appends the assets tagged data-webtex so the native-renderer probe
// does not mistake them for the page's own KaTeX.
const loadJS = `(style, scripts) => new Promise((resolve) => {
	if (typeof window.renderMathInElement === 'function') return resolve(true);
	const head = document.head || document.documentElement;
	if (style) {
		const l = document.createElement('link');
		l.rel = 'stylesheet';
		l.href = style;
		l.setAttribute('data-webtex', '');
		head.appendChild(l);
	}
	const next = (i) => {
		if (i >= scripts.length) return resolve(typeof window.renderMathInElement === 'function');
		const s = document.createElement('script');
		s.src = scripts[i];
		s.setAttribute('data-webtex', '');
		s.onload = () => next(i + 1);
		s.onerror = () => resolve(false);
		head.appendChild(s);
	};
	next(0);
})`

// KaTeX is a host.Engine running KaTeX auto-render inside the page.
type KaTeX struct {
	bridge *Bridge
	assets Assets

	mu     sync.Mutex
	loaded bool
}

var _ host.Engine = (*KaTeX)(nil)

// NewKaTeX binds an engine to b.
func NewKaTeX(b *Bridge, assets Assets) *KaTeX {
	return &KaTeX{bridge: b, assets: assets}
}

// Load injects the assets. It is a no-op once they are in place; a page
// policy that blocks them yields host.ErrEngineUnavailable.
func (k *KaTeX) Load(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.loaded {
		return nil
	}
	var scripts []string
	for _, s := range []string{k.assets.ScriptURL, k.assets.AutoRenderURL} {
		if s != "" {
			scripts = append(scripts, s)
		}
	}
	res, err := k.bridge.page.Context(ctx).Eval(loadJS, k.assets.StyleURL, scripts)
	if err != nil {
		return fmt.Errorf("%w: %w", host.ErrEngineUnavailable, err)
	}
	if !res.Value.Bool() {
		return host.ErrEngineUnavailable
	}
	k.loaded = true
	return nil
}

type renderReply struct {
	Unavailable bool            `json:"unavailable"`
	Detached    bool            `json:"detached"`
	Error       string          `json:"error"`
	Rendered    []host.Rendered `json:"rendered"`
}

// Render implements host.Engine.
func (k *KaTeX) Render(ctx context.Context, root mutation.NodeID, opts host.RenderOptions) ([]host.Rendered, error) {
	if err := k.Load(ctx); err != nil {
		return nil, err
	}
	res, err := k.bridge.page.Context(ctx).Eval(`(root, opts) => window.__webtex.call('render', [root, opts])`, root, opts)
	if err != nil {
		return nil, fmt.Errorf("browser: katex render: %w", err)
	}
	var rep renderReply
	if err := json.Unmarshal([]byte(res.Value.Str()), &rep); err != nil {
		return nil, fmt.Errorf("browser: katex render: decode: %w", err)
	}
	switch {
	case rep.Unavailable:
		k.mu.Lock()
		k.loaded = false
		k.mu.Unlock()
		return nil, host.ErrEngineUnavailable
	case rep.Detached:
		return nil, host.ErrDetached
	case rep.Error != "":
		return nil, fmt.Errorf("browser: katex: %s", rep.Error)
	}
	return rep.Rendered, nil
}
