// Package config handles webtex configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the top-level webtex configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Auth     AuthConfig     `yaml:"auth"`
	Prefs    PrefsConfig    `yaml:"prefs"`
	Browser  BrowserConfig  `yaml:"browser"`
	KaTeX    KaTeXConfig    `yaml:"katex"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Render   RenderConfig   `yaml:"render"`
	Pages    []PageConfig   `yaml:"pages"`
}

// AuthConfig protects the control API. TokenHash is a bcrypt hash of the
// bearer token (webtex -hash-token); empty leaves the API open.
type AuthConfig struct {
	TokenHash string `yaml:"token_hash"`
}

// PrefsConfig locates the preference database.
type PrefsConfig struct {
	DBPath        string        `yaml:"db_path"`
	WatchInterval time.Duration `yaml:"watch_interval"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	// Trace logs every preference query and exports its latency.
	Trace         bool          `yaml:"trace"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	Stealth          string   `yaml:"stealth"` // headless | headful
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// KaTeXConfig points at the engine assets injected into pages.
type KaTeXConfig struct {
	ScriptURL     string `yaml:"script_url"`
	AutoRenderURL string `yaml:"autorender_url"`
	StyleURL      string `yaml:"style_url"`
}

// ScheduleConfig holds tier delays.
type ScheduleConfig struct {
	Immediate  time.Duration   `yaml:"immediate"`
	Debounce   time.Duration   `yaml:"debounce"`
	Short      time.Duration   `yaml:"short"`
	Medium     time.Duration   `yaml:"medium"`
	Long       time.Duration   `yaml:"long"`
	Visibility []time.Duration `yaml:"visibility"`
}

// RenderConfig tunes the run decision and engine calls.
type RenderConfig struct {
	AlwaysOnHosts []string          `yaml:"always_on_hosts"`
	TrustHosts    []string          `yaml:"trust_hosts"`
	RippleClasses []string          `yaml:"ripple_classes"`
	Macros        map[string]string `yaml:"macros"`
}

// PageConfig is a page opened at startup.
type PageConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// Default KaTeX assets.
const (
	DefaultKaTeXScript     = "https://cdn.jsdelivr.net/npm/katex@0.16.11/dist/katex.min.js"
	DefaultKaTeXAutoRender = "https://cdn.jsdelivr.net/npm/katex@0.16.11/dist/contrib/auto-render.min.js"
	DefaultKaTeXStyle      = "https://cdn.jsdelivr.net/npm/katex@0.16.11/dist/katex.min.css"
)

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8087"
	}
	if c.Prefs.DBPath == "" {
		c.Prefs.DBPath = "webtex.db"
	}
	if c.Prefs.WatchInterval <= 0 {
		c.Prefs.WatchInterval = 500 * time.Millisecond
	}
	if c.Prefs.WatchDebounce < 0 {
		c.Prefs.WatchDebounce = 0
	} else if c.Prefs.WatchDebounce == 0 {
		c.Prefs.WatchDebounce = 250 * time.Millisecond
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.ResourceBlocking == nil {
		c.Browser.ResourceBlocking = []string{"images", "fonts", "media"}
	}
	if c.KaTeX.ScriptURL == "" {
		c.KaTeX.ScriptURL = DefaultKaTeXScript
	}
	if c.KaTeX.AutoRenderURL == "" {
		c.KaTeX.AutoRenderURL = DefaultKaTeXAutoRender
	}
	if c.KaTeX.StyleURL == "" {
		c.KaTeX.StyleURL = DefaultKaTeXStyle
	}
	s := &c.Schedule
	if s.Immediate <= 0 {
		s.Immediate = 20 * time.Millisecond
	}
	if s.Debounce <= 0 {
		s.Debounce = 100 * time.Millisecond
	}
	if s.Short <= 0 {
		s.Short = 500 * time.Millisecond
	}
	if s.Medium <= 0 {
		s.Medium = 1500 * time.Millisecond
	}
	if s.Long <= 0 {
		s.Long = 3 * time.Second
	}
	if len(s.Visibility) == 0 {
		s.Visibility = []time.Duration{250 * time.Millisecond, time.Second, 2500 * time.Millisecond}
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Browser.Stealth {
	case "headless", "headful":
	default:
		return fmt.Errorf("config: browser.stealth must be headless or headful, got %q", c.Browser.Stealth)
	}
	if c.Auth.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Auth.TokenHash)); err != nil {
			return fmt.Errorf("config: auth.token_hash is not a bcrypt hash: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Pages))
	for _, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: page %s: url is required", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate page id %s", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
