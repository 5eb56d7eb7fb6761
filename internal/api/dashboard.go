package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/storage"
)

//go:embed templates/*.html
var templatesFS embed.FS

var (
	indexTmpl  = template.Must(template.ParseFS(templatesFS, "templates/layout.html", "templates/index.html"))
	detailTmpl = template.Must(template.ParseFS(templatesFS, "templates/layout.html", "templates/detail.html"))
)

// CVEReader is the read side of the structured store.
type CVEReader interface {
	GetCVE(id cve.ID) (cve.Record, error)
	ListCVEs(limit, offset int) ([]cve.Record, error)
}

// Deps wires the HTTP surface.
type Deps struct {
	Store     *storage.Store
	ChatToken string
}

// NewHandler returns the dashboard routes plus the chat routes under /chat.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	dashboardRoutes(r, deps.Store)
	r.Mount("/chat", NewChatHandler(deps.Store, deps.ChatToken))

	return r
}

// dashboardRoutes registers the read-only dashboard: HTML views, JSON API,
// health and Prometheus metrics.
func dashboardRoutes(r chi.Router, store CVEReader) {
	r.Get("/", handleIndex(store))
	r.Get("/cve/{id}", handleDetail(store))
	r.Get("/api/cves", handleListCVEs(store))
	r.Get("/api/cves/{id}", handleGetCVE(store))
	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleIndex(store CVEReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := store.ListCVEs(0, 0)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			slog.Error("listing cves", "error", err)
			return
		}
		render(w, indexTmpl, "index.html", recs)
	}
}

type detailView struct {
	cve.Record
	URL string
}

func handleDetail(store CVEReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := cve.ID(chi.URLParam(r, "id"))

		rec, err := store.GetCVE(id)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			slog.Error("loading cve", "cve_id", id, "error", err)
			return
		}
		render(w, detailTmpl, "detail.html", detailView{Record: rec, URL: cve.DetailURL(rec.ID)})
	}
}

// render executes into a buffer so a template error never yields a half page.
func render(w http.ResponseWriter, t *template.Template, name string, data any) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		slog.Error("rendering template", "error", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func handleListCVEs(store CVEReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 0, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		recs, err := store.ListCVEs(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list cves: %v", err)
			return
		}
		if recs == nil {
			recs = []cve.Record{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recs)
	}
}

func handleGetCVE(store CVEReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := cve.ID(chi.URLParam(r, "id"))

		rec, err := store.GetCVE(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "cve not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get cve: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
