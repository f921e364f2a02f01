package server

import "net/http"

type healthResponse struct {
	Status   string `json:"status"`
	Contexts int    `json:"contexts"`
}

// HealthAPI handles GET / (SPEC_FULL.md §C.4 "Structured health endpoint").
func (s *Server) HealthAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, healthResponse{Status: "ok", Contexts: s.engine.Len()}, http.StatusOK)
}
