package rescued

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewAdminRouter exposes the operational control surface: pause/resume, a
// status snapshot, liveness, and the Prometheus scrape endpoint.
func NewAdminRouter(d *Dispatcher, accounts AccountStore, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		pending, err := accounts.ReadPending(req.Context())
		if err != nil {
			logger.Error("status read failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"paused":  d.Paused(),
			"pending": len(pending),
		})
	})
	r.Post("/pause", func(w http.ResponseWriter, _ *http.Request) {
		d.Pause()
		writeJSON(w, http.StatusAccepted, map[string]bool{"paused": true})
	})
	r.Post("/resume", func(w http.ResponseWriter, _ *http.Request) {
		d.Resume()
		writeJSON(w, http.StatusAccepted, map[string]bool{"paused": false})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
