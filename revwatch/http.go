package revwatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/revwatch/revwatch/internal/runlog"
)

// HistoryReader is implemented by histories the status API can query.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]runlog.Run, error)
	Get(ctx context.Context, id string) (*runlog.Run, error)
}

// Handler returns the status API:
//
//	GET  /health          liveness, running flag, last run status
//	GET  /api/cursors     committed watermarks
//	GET  /api/runs        recent runs (?limit=n)
//	GET  /api/runs/{id}   one run with entity outcomes
//	POST /api/runs        trigger a run (409 while one is active)
func (d *Daemon) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(apiHeaders)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"status": "ok", "running": d.svc.Running()}
		if last := d.svc.LastReport(); last != nil {
			resp["last_run"] = map[string]any{
				"id":          last.RunID,
				"status":      last.Status(),
				"finished_at": last.FinishedAt,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/api/cursors", func(w http.ResponseWriter, r *http.Request) {
		m, err := d.svc.Cursors(r.Context())
		resp := map[string]any{"cursors": m}
		if err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			hr, ok := d.svc.history.(HistoryReader)
			if !ok {
				var runs []*runlog.Run
				if last := d.svc.LastReport(); last != nil {
					runs = append(runs, last.Record())
				}
				writeJSON(w, http.StatusOK, runs)
				return
			}
			runs, err := hr.List(r.Context(), queryInt(r, "limit", 20))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if hr, ok := d.svc.history.(HistoryReader); ok {
				run, err := hr.Get(r.Context(), id)
				if errors.Is(err, runlog.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, run)
				return
			}
			if last := d.svc.LastReport(); last != nil && last.RunID == id {
				writeJSON(w, http.StatusOK, last.Record())
				return
			}
			writeError(w, http.StatusNotFound, runlog.ErrNotFound)
		})

		r.Post("/", func(w http.ResponseWriter, _ *http.Request) {
			if err := d.Trigger(); err != nil {
				writeError(w, http.StatusConflict, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
		})
	})

	return r
}

// apiHeaders marks every response as uncacheable JSON that browsers must not sniff or frame.
func apiHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
