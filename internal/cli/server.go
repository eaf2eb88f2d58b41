package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/mcprun/internal/history"
)

// statusRouter serves Prometheus metrics and, when a store is given, the
// recent run history as JSON.
func statusRouter(reg *prometheus.Registry, store *history.Store) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if store != nil {
		r.Get("/history", historyHandler(store))
		r.Get("/history/{id}", historyEntryHandler(store))
	}
	return r
}

type historyJSON struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	Task          string    `json:"task"`
	Status        string    `json:"status"`
	Kind          string    `json:"kind,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	ElapsedInitMS int64     `json:"elapsed_init_ms"`
	ElapsedExecMS int64     `json:"elapsed_exec_ms"`
	StartedAt     time.Time `json:"started_at"`
}

func toHistoryJSON(e history.Entry) historyJSON {
	return historyJSON{
		ID:            e.ID,
		Provider:      e.Provider,
		Task:          e.Task,
		Status:        e.Status,
		Kind:          e.Kind,
		Detail:        e.Detail,
		ElapsedInitMS: e.ElapsedInit.Milliseconds(),
		ElapsedExecMS: e.ElapsedExec.Milliseconds(),
		StartedAt:     e.StartedAt.UTC(),
	}
}

func historyHandler(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := store.Recent(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]historyJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, toHistoryJSON(e))
		}
		writeJSON(w, out)
	}
}

func historyEntryHandler(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := store.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, history.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, toHistoryJSON(*e))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// startStatusServer listens on addr and serves statusRouter until the
// returned stop function is called.
func startStatusServer(addr string, reg *prometheus.Registry, store *history.Store) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           statusRouter(reg, store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("status server", "error", err)
		}
	}()
	slog.Info("status server listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
