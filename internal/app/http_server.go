package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wearable-sync/internal/domain"
)

// HTTPServer returns a configured http.Server that exposes endpoints to trigger syncs.
// Call ListenAndServe on the returned server in a goroutine and Shutdown it on exit.
func (a *App) HTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.log.Info("http trigger server configured", slog.String("addr", addr))
	return srv
}

// Router serves /healthz, /sync and /metrics.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(a.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/sync", a.handleSync)
	r.Post("/sync", a.handleSync)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// handleSync runs a sync for ?user=, over ?from=&to= (YYYY-MM-DD, inclusive), bounded by ?timeout=.
func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "error": "user is required"})
		return
	}
	rng, err := a.ParseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "error": err.Error()})
		return
	}

	ctx := r.Context()
	if tStr := q.Get("timeout"); tStr != "" {
		if d, err := time.ParseDuration(tStr); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	run, err := a.Sync(ctx, user, rng)
	if err != nil {
		body := map[string]any{
			"status": "error",
			"error":  err.Error(),
			"kind":   domain.KindOf(err),
			"from":   rng.From.Format(domain.DayLayout),
			"to":     rng.To.Format(domain.DayLayout),
		}
		if run != nil {
			body["run"] = run
		}
		writeJSON(w, statusFor(err), body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "run": run})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSyncRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConnectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware provides basic request logging.
func loggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote", r.RemoteAddr),
				slog.Duration("dur", time.Since(start)),
			)
		})
	}
}
