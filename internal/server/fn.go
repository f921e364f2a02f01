package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/rakunlabs/voidmerge/internal/capability"
)

// FnAPI handles GET/PUT /{ctx}/{path…}, dispatching the request to the
// context's handler as a fnReq (spec §6).
func (s *Server) FnAPI(w http.ResponseWriter, r *http.Request) {
	ctxID := r.PathValue("ctx")
	path := "/" + r.PathValue("*")

	// "_vm_" is reserved and must never reach a handler (spec §6).
	if strings.HasPrefix(strings.TrimPrefix(path, "/"), "_vm_") {
		httpResponse(w, "reserved path", http.StatusBadRequest)
		return
	}

	sup, err := s.engine.Get(r.Context(), ctxID)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpResponse(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	resp, err := sup.HandleFn(r.Context(), capability.FnRequest{
		Method:  r.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		httpResponseError(w, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}
