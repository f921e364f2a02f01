package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/rakunlabs/voidmerge/internal/capability"
	"github.com/rakunlabs/voidmerge/internal/objstore"
)

// ObjPutAPI handles PUT /{ctx}/_vm_/obj-put/{appPath}/{createdSecs}/{expiresSecs}
// (spec §6; admin-only, gated through objCheckReq per spec §4.5).
func (s *Server) ObjPutAPI(w http.ResponseWriter, r *http.Request) {
	ctxID := r.PathValue("ctx")
	appPath := r.PathValue("appPath")

	createdSecs, err := parseFloatParam(r.PathValue("createdSecs"))
	if err != nil {
		httpResponse(w, "invalid createdSecs: "+err.Error(), http.StatusBadRequest)
		return
	}
	expiresSecs, err := parseFloatParam(r.PathValue("expiresSecs"))
	if err != nil {
		httpResponse(w, "invalid expiresSecs: "+err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		httpResponse(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	sup, err := s.engine.Get(r.Context(), ctxID)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	meta, err := sup.HandleObjPut(r.Context(), capability.ObjMeta{
		SysPrefix:   capability.ContextSysPrefix,
		Ctx:         ctxID,
		AppPath:     appPath,
		CreatedSecs: createdSecs,
		ExpiresSecs: expiresSecs,
	}, data)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, meta, http.StatusOK)
}

// ObjGetAPI handles GET /{ctx}/_vm_/obj-get/{appPath} (spec §6).
func (s *Server) ObjGetAPI(w http.ResponseWriter, r *http.Request) {
	ctxID := r.PathValue("ctx")
	appPath := r.PathValue("appPath")

	meta, data, err := s.objects.Get(r.Context(), ctxID, appPath)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-VoidMerge-Meta", meta.Path())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// objListResponse wraps the Object Store list result for JSON output.
type objListResponse struct {
	MetaList []capability.ObjMeta `json:"metaList"`
}

// ObjListAPI handles GET /{ctx}/_vm_/obj-list[/{appPathPrefix}]?createdGt=&limit=
// (spec §6).
func (s *Server) ObjListAPI(w http.ResponseWriter, r *http.Request) {
	ctxID := r.PathValue("ctx")
	prefix := r.PathValue("appPathPrefix")

	q := r.URL.Query()
	createdGt, err := parseFloatQuery(q.Get("createdGt"))
	if err != nil {
		httpResponse(w, "invalid createdGt: "+err.Error(), http.StatusBadRequest)
		return
	}

	limit := capability.DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpResponse(w, "invalid limit: "+err.Error(), http.StatusBadRequest)
			return
		}
		limit = n
	}

	metas, err := s.objects.List(r.Context(), ctxID, objstore.ListOptions{
		AppPathPrefix: prefix,
		CreatedGt:     createdGt,
		Limit:         limit,
	})
	if err != nil {
		httpResponseError(w, err)
		return
	}
	if metas == nil {
		metas = []capability.ObjMeta{}
	}

	httpResponseJSON(w, objListResponse{MetaList: metas}, http.StatusOK)
}

func parseFloatParam(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseFloatQuery(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
