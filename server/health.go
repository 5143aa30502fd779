package server

import (
	"encoding/json"
	"net/http"
)

type healthSessions struct {
	Streamable int `json:"streamable"`
	Legacy     int `json:"legacy"`
	Total      int `json:"total"`
	Max        int `json:"max"`
}

type healthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Sessions healthSessions `json:"sessions"`
	// Uptime in whole seconds.
	Uptime    int64 `json:"uptime"`
	LegacySSE bool  `json:"legacySse"`
}

// handleHealth reports occupancy. It sits outside the security chain so
// health checks are never rate limited.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.reg.Stats()
	res := healthResponse{
		Status:  "ok",
		Version: Version,
		Sessions: healthSessions{
			Streamable: st.Streamable,
			Legacy:     st.Legacy,
			Total:      st.Total,
			Max:        st.Max,
		},
		Uptime:    int64(s.clock.Since(s.started).Seconds()),
		LegacySSE: s.cfg.EnableLegacySSE,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}
