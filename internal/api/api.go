// Package api serves the admin HTTP surface: liveness, Prometheus metrics and
// read-only job views.
//
//	GET /healthz            store reachable -> 200 "ok"
//	GET /metrics            Prometheus exposition
//	GET /jobs?state=a,b     jobs in the given states (all when omitted)
//	GET /jobs/{id}          one job record
//	GET /stats              job count per state
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

// Jobs is the read side the admin views need.
type Jobs interface {
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	List(ctx context.Context, states ...types.JobState) ([]*types.Job, error)
	Stats(ctx context.Context) (map[types.JobState]int, error)
}

// Pinger is implemented by stores that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the admin handler. gatherer may be nil, which leaves
// /metrics unmounted; pinger may be nil, which makes /healthz always ok.
func NewRouter(jobs Jobs, gatherer prometheus.Gatherer, pinger Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if pinger != nil {
			if err := pinger.Ping(req.Context()); err != nil {
				http.Error(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
		var states []types.JobState
		if q := req.URL.Query().Get("state"); q != "" {
			for _, s := range strings.Split(q, ",") {
				st := types.JobState(strings.TrimSpace(s))
				if !st.Valid() {
					http.Error(w, "unknown state "+string(st), http.StatusBadRequest)
					return
				}
				states = append(states, st)
			}
		}
		jobs, err := jobs.List(req.Context(), states...)
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*types.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		job, err := jobs.Get(req.Context(), types.JobID(chi.URLParam(req, "id")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		counts, err := jobs.Stats(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	})

	return r
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrStoreUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Error("Admin request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}
