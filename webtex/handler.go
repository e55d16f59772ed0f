package webtex

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/webtex/horosafe"
	"github.com/hazyhaar/webtex/shield"
	"github.com/hazyhaar/webtex/webtex/internal/toggle"
)

// MaxRenderBody caps POST /render documents.
const MaxRenderBody int64 = 8 << 20

type toggleReq struct {
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
	PageID  string `json:"page_id,omitempty"`
}

type siteReq struct {
	Enabled bool `json:"enabled"`
}

// Handler returns the control API.
//
//	POST   /toggle          {action, enabled, page_id?}
//	POST   /prefs-changed
//	GET    /status
//	GET    /status/{id}
//	POST   /pages           {id?, url}
//	DELETE /pages/{id}
//	PUT    /sites/{host}    {enabled}
//	DELETE /sites/{host}
//	POST   /render          text/html body, ?host=&sanitize=1
//	GET    /ping
//	GET    /metrics
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	r.Use(shield.RequireToken(s.cfg.Auth.TokenHash, "/ping"))

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("pong"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Post("/toggle", func(w http.ResponseWriter, r *http.Request) {
		var req toggleReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if req.Action == "" {
			req.Action = toggle.ActionToggle
		}
		msg := toggle.Message{Action: req.Action, Enabled: req.Enabled}
		var err error
		if req.PageID != "" {
			err = s.Toggle(r.Context(), req.PageID, msg)
		} else if err = msg.Validate(); err == nil {
			err = s.SetEnabled(r.Context(), req.Enabled)
		}
		if err != nil {
			writeError(w, r, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": req.Enabled})
	})

	r.Post("/prefs-changed", func(w http.ResponseWriter, _ *http.Request) {
		s.PrefsChanged()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Status(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	r.Get("/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.PageStatus(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Post("/pages", func(w http.ResponseWriter, r *http.Request) {
		var req PageConfig
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		id, err := s.OpenPage(r.Context(), req)
		if err != nil {
			writeError(w, r, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	})
	r.Delete("/pages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Detach(chi.URLParam(r, "id")); err != nil {
			writeError(w, r, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
	})

	r.Put("/sites/{host}", func(w http.ResponseWriter, r *http.Request) {
		var req siteReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := s.SetHostEnabled(r.Context(), chi.URLParam(r, "host"), req.Enabled); err != nil {
			writeError(w, r, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": req.Enabled})
	})
	r.Delete("/sites/{host}", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.ClearHost(r.Context(), chi.URLParam(r, "host")); err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		s.PrefsChanged()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	})

	r.Post("/render", func(w http.ResponseWriter, r *http.Request) {
		body, err := horosafe.LimitedReadAll(r.Body, MaxRenderBody)
		if err != nil {
			writeError(w, r, http.StatusRequestEntityTooLarge, err)
			return
		}
		sanitize, _ := strconv.ParseBool(r.URL.Query().Get("sanitize"))
		var out bytes.Buffer
		res, err := s.RenderHTML(r.Context(), bytes.NewReader(body), &out, RenderHTMLOptions{
			Hostname: r.URL.Query().Get("host"),
			Sanitize: sanitize,
		})
		if err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Webtex-Expressions", strconv.Itoa(res.Expressions))
		if res.Skipped != "" {
			w.Header().Set("X-Webtex-Skipped", res.Skipped)
		}
		w.WriteHeader(http.StatusOK)
		out.WriteTo(w)
	})

	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownPage):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicatePage):
		return http.StatusConflict
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, toggle.ErrUnknownAction),
		errors.Is(err, horosafe.ErrSSRF),
		errors.Is(err, horosafe.ErrUnsafeScheme),
		errors.Is(err, horosafe.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("webtex: request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
