package api

import (
	"net/http"

	"github.com/seantiz/turbit/internal/pool"
)

type functionsResponse struct {
	Functions []string `json:"functions"`
}

type workersResponse struct {
	Cores   int               `json:"cores"`
	Workers []pool.WorkerInfo `json:"workers"`
}

func (s *Server) handleListFunctions(w http.ResponseWriter, _ *http.Request) {
	names := s.engine.Functions()
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, functionsResponse{Functions: names})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := s.engine.Workers()
	if workers == nil {
		workers = []pool.WorkerInfo{}
	}
	s.writeJSON(w, http.StatusOK, workersResponse{Cores: s.engine.Cores(), Workers: workers})
}

// handleKill terminates the engine's workers and fails its queued and
// in-flight runs.
func (s *Server) handleKill(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Kill(); err != nil {
		s.logger.Error("kill engine", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to kill workers")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}
