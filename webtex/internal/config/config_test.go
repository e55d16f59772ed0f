package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8087" || cfg.Prefs.DBPath != "webtex.db" {
		t.Errorf("listen/db: %q %q", cfg.Listen, cfg.Prefs.DBPath)
	}
	if cfg.Schedule.Immediate != 20*time.Millisecond || cfg.Schedule.Long != 3*time.Second {
		t.Errorf("schedule: %+v", cfg.Schedule)
	}
	if len(cfg.Schedule.Visibility) != 3 || cfg.Schedule.Visibility[2] != 2500*time.Millisecond {
		t.Errorf("visibility: %v", cfg.Schedule.Visibility)
	}
	if cfg.KaTeX.ScriptURL != DefaultKaTeXScript {
		t.Errorf("katex script: %q", cfg.KaTeX.ScriptURL)
	}
	if len(cfg.Browser.ResourceBlocking) != 3 {
		t.Errorf("blocking: %v", cfg.Browser.ResourceBlocking)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webtex.yaml")
	data := `
listen: "127.0.0.1:9000"
browser:
  stealth: headful
  resource_blocking: []
schedule:
  debounce: 250ms
  visibility: [100ms, 1s]
render:
  always_on_hosts: [math.stackexchange.com]
  macros:
    '\RR': '\mathbb{R}'
pages:
  - url: https://example.org/a
  - id: docs
    url: https://example.org/b
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" || cfg.Browser.Stealth != "headful" {
		t.Errorf("scalars: %+v", cfg)
	}
	if len(cfg.Browser.ResourceBlocking) != 0 {
		t.Errorf("explicit empty blocking list was overridden: %v", cfg.Browser.ResourceBlocking)
	}
	if cfg.Schedule.Debounce != 250*time.Millisecond || cfg.Schedule.Immediate != 20*time.Millisecond {
		t.Errorf("schedule: %+v", cfg.Schedule)
	}
	if len(cfg.Schedule.Visibility) != 2 {
		t.Errorf("visibility: %v", cfg.Schedule.Visibility)
	}
	if cfg.Render.Macros[`\RR`] != `\mathbb{R}` {
		t.Errorf("macros: %v", cfg.Render.Macros)
	}
	if cfg.Pages[0].ID != "page-1" || cfg.Pages[1].ID != "docs" {
		t.Errorf("page ids: %+v", cfg.Pages)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"stealth":   "browser: {stealth: invisible}",
		"no url":    "pages: [{id: a}]",
		"duplicate": "pages: [{id: a, url: 'http://x'}, {id: a, url: 'http://y'}]",
		"yaml":      "listen: [",
		"token":     "auth: {token_hash: plaintext}",
	}
	for name, in := range cases {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParse_TokenHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Parse([]byte("auth: {token_hash: '" + string(hash) + "'}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Auth.TokenHash != string(hash) {
		t.Fatalf("token hash: %q", cfg.Auth.TokenHash)
	}
}
