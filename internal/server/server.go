package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/throw-if-null/simgate/internal/api"
	"github.com/throw-if-null/simgate/internal/license"
	"github.com/throw-if-null/simgate/internal/paths"
	"github.com/throw-if-null/simgate/internal/simulation"
	"github.com/throw-if-null/simgate/internal/store"
)

// maximum request body accepted by /simulate
const maxRequestBytes = 32 << 20 // 32 MiB

// Simulator runs one simulation request under a caller-chosen run id.
type Simulator interface {
	Execute(ctx context.Context, runID string, req *api.SimulateRequest) (api.Result, error)
}

type Store interface {
	GetRun(runID string) (*api.Run, error)
	ListRuns(limit int) ([]*api.Run, error)
	ReclaimStats() (int64, string, error)
}

type License interface {
	Status() license.Status
}

type Server struct {
	sim     Simulator
	store   Store
	license License
	logger  *slog.Logger
}

func NewServer(sim Simulator, store Store, lic License, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sim: sim, store: store, license: lic, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /simulate", s.handleSimulate)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/license", s.handleLicense)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req api.SimulateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		if errors.Is(err, api.ErrInvalidDiagram) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.BPMNModel == "" {
		http.Error(w, "bpmn_model is required", http.StatusBadRequest)
		return
	}

	runID := paths.NewRunID()
	w.Header().Set("X-Simgate-Run-Id", runID)

	res, err := s.sim.Execute(r.Context(), runID, &req)
	switch {
	case err == nil:
	case errors.Is(err, simulation.ErrNotAdmitted):
		http.Error(w, "gave up waiting for the engine", http.StatusServiceUnavailable)
		return
	default:
		s.logger.Error("simulate failed", "run_id", runID, "err", err)
		http.Error(w, "simulation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := paths.ValidateRunID(runID); err != nil {
		http.Error(w, "invalid run_id", http.StatusBadRequest)
		return
	}

	run, err := s.store.GetRun(runID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read run", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}

func (s *Server) handleLicense(w http.ResponseWriter, _ *http.Request) {
	st := s.license.Status()
	out := api.LicenseStatus{
		LockPath:      st.LockPath,
		GateHeld:      st.GateHeld,
		EngineRunning: st.EngineRunning,
	}
	if !st.LastReclaim.IsZero() {
		out.LastReclaim = st.LastReclaim.UTC().Format(time.RFC3339Nano)
	}
	n, last, err := s.store.ReclaimStats()
	if err != nil {
		http.Error(w, "failed to read reclaim stats", http.StatusInternalServerError)
		return
	}
	out.Reclaims = n
	// reclaims from a previous process only live in the store
	if out.LastReclaim == "" {
		out.LastReclaim = last
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
