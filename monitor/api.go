package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler returns the HTTP API for the service: task CRUD, forced checks,
// event history, and stats.
func (svc *Service) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			tasks, err := svc.ListTasks(r.Context())
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, tasks)
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var t Task
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.AddTask(r.Context(), &t); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 201, t)
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			task, err := svc.GetTask(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, task)
		})

		r.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
			var t Task
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				writeError(w, 400, err)
				return
			}
			t.ID = chi.URLParam(r, "id")
			if err := svc.UpdateTask(r.Context(), &t); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"id": t.ID, "status": "updated"})
		})

		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.RemoveTask(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})

		r.Post("/{id}/check", func(w http.ResponseWriter, r *http.Request) {
			res, err := svc.CheckNow(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, res)
		})

		r.Get("/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			events, err := svc.Events(r.Context(), chi.URLParam(r, "id"), limit)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, events)
		})

		r.Get("/{id}/snapshots", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			snaps, err := svc.Snapshots(r.Context(), chi.URLParam(r, "id"), limit)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, snaps)
		})
	})

	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, stats)
	})

	return r
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return 404
	case errors.Is(err, ErrInvalidInput):
		return 400
	case errors.Is(err, ErrDuplicateTask), errors.Is(err, ErrCheckInProgress):
		return 409
	case errors.Is(err, ErrQuotaExceeded):
		return 429
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
