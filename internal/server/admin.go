package server

import (
	"encoding/json"
	"net/http"
)

// createContextRequest is the body of POST /_vm_/context/{ctx}
// (SPEC_FULL.md §C.1).
type createContextRequest struct {
	Code string         `json:"code"`
	Env  map[string]any `json:"env"`
}

// CreateContextAPI handles POST /_vm_/context/{ctx}.
func (s *Server) CreateContextAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("ctx")

	var req createContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "decode request: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.engine.CreateContext(r.Context(), id, req.Code, req.Env); err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponse(w, "context created", http.StatusCreated)
}

// contextInfoResponse is the body of GET /_vm_/context/{ctx}
// (SPEC_FULL.md §C.1).
type contextInfoResponse struct {
	State            string   `json:"state"`
	CronIntervalSecs *float64 `json:"cronIntervalSecs,omitempty"`
	CreatedAt        string   `json:"createdAt"`
}

// GetContextAPI handles GET /_vm_/context/{ctx}.
func (s *Server) GetContextAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("ctx")

	info, err := s.engine.Info(r.Context(), id)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, contextInfoResponse{
		State:            string(info.State),
		CronIntervalSecs: info.CronIntervalSecs,
		CreatedAt:        info.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
	}, http.StatusOK)
}

// DeleteContextAPI handles DELETE /_vm_/context/{ctx} (SPEC_FULL.md §C.1:
// the Supervisor is torn down, but the Object Store directory is left on
// disk).
func (s *Server) DeleteContextAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("ctx")

	if err := s.engine.DeleteContext(r.Context(), id); err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponse(w, "context deleted", http.StatusOK)
}

// RestartContextAPI handles POST /_vm_/context/{ctx}/restart
// (SPEC_FULL.md §C.2).
func (s *Server) RestartContextAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("ctx")

	if err := s.engine.Restart(r.Context(), id); err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponse(w, "context restarted", http.StatusOK)
}
