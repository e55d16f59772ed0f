package browser

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

func TestBlocker(t *testing.T) {
	bl := newBlocker([]string{"Images", "fonts", "video"}, []string{"", "https://cdn.jsdelivr.net/npm/katex@"})
	cases := []struct {
		typ  proto.NetworkResourceType
		url  string
		want bool
	}{
		{proto.NetworkResourceTypeImage, "https://example.org/a.png", true},
		{proto.NetworkResourceTypeFont, "https://example.org/a.woff2", true},
		{proto.NetworkResourceTypeFont, "https://cdn.jsdelivr.net/npm/katex@0.16.11/dist/fonts/KaTeX_Main.woff2", false},
		{proto.NetworkResourceTypeStylesheet, "https://example.org/a.css", false},
		{proto.NetworkResourceTypeScript, "https://example.org/a.js", false},
	}
	for _, c := range cases {
		if got := bl.blocks(c.typ, c.url); got != c.want {
			t.Errorf("blocks(%s, %s) = %v, want %v", c.typ, c.url, got, c.want)
		}
	}
	if newBlocker(nil, nil).empty() != true {
		t.Error("blocker without types should be empty")
	}
	if newBlocker([]string{"video"}, nil).empty() != true {
		t.Error("unknown resource names are ignored")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("headful"); err != nil || m != ModeHeadful {
		t.Errorf("headful: %v %v", m, err)
	}
	if m, err := ParseMode(""); err != nil || m != ModeHeadless {
		t.Errorf("empty: %v %v", m, err)
	}
	if _, err := ParseMode("invisible"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestAssetsURLs(t *testing.T) {
	a := Assets{ScriptURL: "a.js", StyleURL: "a.css"}
	if got := a.URLs(); len(got) != 2 || got[0] != "a.js" || got[1] != "a.css" {
		t.Fatalf("got %v", got)
	}
}

func TestScopeEncoding(t *testing.T) {
	data, err := json.Marshal(jsScope(host.DefaultScope))
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"childList":true`, `"characterData":true`, `"attributeFilter":["style"`} {
		if !strings.Contains(s, want) {
			t.Errorf("%s missing %s", s, want)
		}
	}
}

func TestBridgeScript(t *testing.T) {
	for _, want := range []string{
		bindingBatch, bindingVisibility, bindingIdle, "window.__webtex", "data-webtex",
		// prices are parked outside the auto-render pass
		"webtex-currency", "releasePrices(marks)",
		// node handles do not pin detached nodes
		"new WeakRef(n)", "FinalizationRegistry",
	} {
		if !strings.Contains(bridgeJS, want) {
			t.Errorf("bridge.js missing %q", want)
		}
	}
}

func TestRecordPayload(t *testing.T) {
	payload := `[{"kind":"subtree-insert","target":3,"added":[7,8],"removed":[]},{"kind":"attribute-change","target":4,"attr":"hidden"}]`
	var recs []mutation.Record
	if err := json.Unmarshal([]byte(payload), &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Kind != mutation.KindInsert || len(recs[0].Added) != 2 || recs[1].AttrName != "hidden" {
		t.Fatalf("decoded %+v", recs)
	}
}

// TestBridge_LiveChrome drives a real browser. It needs Chrome on the
// machine and WEBTEX_BROWSER_TESTS=1.
func TestBridge_LiveChrome(t *testing.T) {
	if os.Getenv("WEBTEX_BROWSER_TESTS") == "" {
		t.Skip("set WEBTEX_BROWSER_TESTS=1 to run")
	}
	if _, ok := launcher.LookPath(); !ok {
		t.Skip("no chrome found")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr := NewManager(Config{Logger: logger})
	b, err := mgr.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		t.Fatal(err)
	}
	if err := page.SetDocumentContent(`<html><body><p id="p">a $x$</p><div contenteditable="true" id="e">y</div></body></html>`); err != nil {
		t.Fatal(err)
	}
	br, err := NewBridge(ctx, page, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer br.Close()

	root := br.Root()
	if br.Tag(root) != "body" {
		t.Fatalf("root tag %q", br.Tag(root))
	}
	kids := br.Children(root)
	if len(kids) != 2 || br.Text(kids[0]) != "a $x$" {
		t.Fatalf("children %v", kids)
	}
	if !br.IsEditable(br.Children(kids[1])[0]) {
		t.Error("text inside contenteditable should be editable")
	}

	got := make(chan mutation.Batch, 4)
	if err := br.Observe(host.DefaultScope, func(bt mutation.Batch) { got <- bt }); err != nil {
		t.Fatal(err)
	}
	if err := br.SetText(br.Children(kids[0])[0], "b $y$"); err != nil {
		t.Fatal(err)
	}
	select {
	case bt := <-got:
		if len(bt.Records) == 0 {
			t.Error("empty batch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no batch delivered")
	}
	br.Disconnect()
}
