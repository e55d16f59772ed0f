package webtex

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_PingAndMetrics(t *testing.T) {
	s := newService(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("ping: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("missing trace id")
	}

	attachDoc(t, s, "p1", `<body><p>$x$</p></body>`, "example.org")
	eventually(t, "render", rendered(s, "p1", 1))
	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "webtex_") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ToggleGlobal(t *testing.T) {
	s := newService(t)
	h := s.Handler()
	attachDoc(t, s, "p1", `<body><p>$x$</p></body>`, "example.org")
	eventually(t, "render", rendered(s, "p1", 1))

	rec := do(t, h, http.MethodPost, "/toggle", `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: %d %s", rec.Code, rec.Body.String())
	}
	eventually(t, "raw", rendered(s, "p1", 0))

	rec = do(t, h, http.MethodGet, "/status", "")
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.GlobalEnabled || len(st.Pages) != 1 {
		t.Fatalf("status: %+v", st)
	}
}

func TestHandler_ToggleErrors(t *testing.T) {
	s := newService(t)
	h := s.Handler()
	tests := []struct {
		body string
		want int
	}{
		{`{"action":"explode","enabled":true}`, http.StatusBadRequest},
		{`{"enabled":true,"page_id":"nope"}`, http.StatusNotFound},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, h, http.MethodPost, "/toggle", tt.body); rec.Code != tt.want {
			t.Errorf("POST /toggle %s: %d, want %d", tt.body, rec.Code, tt.want)
		}
	}
}

func TestHandler_PagesGuards(t *testing.T) {
	s := newService(t)
	h := s.Handler()
	for _, body := range []string{
		`{"url":"http://127.0.0.1:8087/status"}`,
		`{"url":"file:///etc/passwd"}`,
	} {
		if rec := do(t, h, http.MethodPost, "/pages", body); rec.Code != http.StatusBadRequest {
			t.Errorf("POST /pages %s: %d, want 400", body, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodDelete, "/pages/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE unknown page: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/status/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown status: %d", rec.Code)
	}
}

func TestHandler_Sites(t *testing.T) {
	s := newService(t)
	h := s.Handler()
	if rec := do(t, h, http.MethodPut, "/sites/www.example.com", `{"enabled":false}`); rec.Code != http.StatusOK {
		t.Fatalf("PUT site: %d %s", rec.Code, rec.Body.String())
	}
	_, set, err := s.Store().HostEnabled(t.Context(), "example.com")
	if err != nil || !set {
		t.Fatalf("override not stored: set=%v err=%v", set, err)
	}
	if rec := do(t, h, http.MethodDelete, "/sites/example.com", ""); rec.Code != http.StatusOK {
		t.Fatalf("DELETE site: %d", rec.Code)
	}
	if _, set, _ := s.Store().HostEnabled(t.Context(), "example.com"); set {
		t.Fatal("override not cleared")
	}
}

func TestHandler_Render(t *testing.T) {
	s := newService(t)
	h := s.Handler()
	rec := do(t, h, http.MethodPost, "/render?sanitize=true", `<p>$a+b$ and $$c$$</p>`)
	if rec.Code != http.StatusOK {
		t.Fatalf("render: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Webtex-Expressions"); got != "2" {
		t.Errorf("expressions header: %q", got)
	}
	if !strings.Contains(rec.Body.String(), "katex") {
		t.Errorf("body: %s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type: %q", ct)
	}
}

func TestHandler_RenderSkippedHeader(t *testing.T) {
	s := newService(t)
	h := s.Handler()
	rec := do(t, h, http.MethodPost, "/render?host=example.org",
		`<html><head><script src="https://cdn.example/mathjax/tex-chtml.js"></script></head><body>$a$</body></html>`)
	if rec.Code != http.StatusOK {
		t.Fatalf("render: %d", rec.Code)
	}
	if got := rec.Header().Get("X-Webtex-Skipped"); got != "native renderer mathjax" {
		t.Errorf("skipped header: %q", got)
	}
}

func TestHandler_TokenAuth(t *testing.T) {
	s := newService(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s.cfg.Auth.TokenHash = string(hash)
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/ping", ""); rec.Code != http.StatusOK {
		t.Fatalf("ping must stay open: %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer letmein")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token: %d", rec.Code)
	}
}
