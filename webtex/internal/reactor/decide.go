package reactor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hazyhaar/webtex/webtex/host"
)

// Prefs is the storage collaborator as seen by the run decision.
type Prefs interface {
	GlobalEnabled(ctx context.Context) (bool, error)
	// HostEnabled returns the per-site override for hostname; set is false
	// when the site has none.
	HostEnabled(ctx context.Context, hostname string) (enabled, set bool, err error)
}

// NativeRenderers are script source fragments of competing math renderers.
var NativeRenderers = []string{"katex", "mathjax"}

// Decision is the outcome of ShouldRun with its reason.
type Decision struct {
	Run    bool   `json:"run"`
	Reason string `json:"reason"`
}

// ShouldRun decides whether a page gets rendered at all. Hosts matching
// alwaysOn (exact, or any subdomain) always run. Otherwise rendering is off
// when disabled globally, disabled for the site, or when the page already
// loads a native math renderer. Storage failures count as enabled.
func ShouldRun(ctx context.Context, p Prefs, h host.Host, alwaysOn []string, logger *slog.Logger) Decision {
	if logger == nil {
		logger = slog.Default()
	}
	hostname := strings.ToLower(h.Hostname())
	if MatchHost(hostname, alwaysOn) {
		return Decision{Run: true, Reason: "always-on host"}
	}
	if p != nil {
		enabled, err := p.GlobalEnabled(ctx)
		if err != nil {
			logger.Warn("reactor: read global flag failed, assuming enabled", "error", err)
			enabled = true
		}
		if !enabled {
			return Decision{Run: false, Reason: "disabled globally"}
		}
		site, set, err := p.HostEnabled(ctx, hostname)
		if err != nil {
			logger.Warn("reactor: read site override failed, assuming enabled", "host", hostname, "error", err)
		} else if set && !site {
			return Decision{Run: false, Reason: "disabled for site"}
		}
	}
	for _, src := range h.ScriptSources() {
		s := strings.ToLower(src)
		for _, n := range NativeRenderers {
			if strings.Contains(s, n) {
				return Decision{Run: false, Reason: "native renderer " + n}
			}
		}
	}
	return Decision{Run: true, Reason: "enabled"}
}

// MatchHost reports whether hostname equals one of hosts or is a subdomain
// of one.
func MatchHost(hostname string, hosts []string) bool {
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimPrefix(h, "."))
		if h == "" {
			continue
		}
		if hostname == h || strings.HasSuffix(hostname, "."+h) {
			return true
		}
	}
	return false
}
