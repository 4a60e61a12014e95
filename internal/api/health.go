package api

import (
	"net/http"

	"github.com/seantiz/turbit/internal/model"
)

// healthResponse reports liveness plus enough pool state to tell a cold
// engine from a warm one.
type healthResponse struct {
	Status    string `json:"status"`
	Cores     int    `json:"cores"`
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
	Functions int    `json:"functions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Cores:     s.engine.Cores(),
		Functions: len(s.engine.Functions()),
	}
	for _, wi := range s.engine.Workers() {
		resp.Workers++
		if wi.State == model.WorkerBusy {
			resp.Busy++
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
