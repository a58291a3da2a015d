package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mwhited/paperrag/internal/registry"
	"github.com/mwhited/paperrag/internal/vecstore"
)

type retrieveRequest struct {
	Query string `json:"query"`
	DocID string `json:"doc_id"`
	TopK  int    `json:"top_k"`
}

// handleReady reports whether the registry scan finished with at least one
// registered document.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": s.ret.IsReady()})
}

// handleRetrieve returns raw ranked hits for one document.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" || req.DocID == "" {
		jsonError(w, "query and doc_id are required", http.StatusBadRequest)
		return
	}

	results := s.ret.Retrieve(r.Context(), req.Query, req.DocID, req.TopK)
	if results == nil {
		results = []vecstore.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleRetrieveContext returns hits rendered as structured context plus the
// optional scroll locator.
func (s *Server) handleRetrieveContext(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" || req.DocID == "" {
		jsonError(w, "query and doc_id are required", http.StatusBadRequest)
		return
	}

	context, target := s.ret.RetrieveWithContext(r.Context(), req.Query, req.DocID, req.TopK)
	writeJSON(w, http.StatusOK, map[string]any{
		"context":       context,
		"scroll_target": target,
	})
}

type addDocumentRequest struct {
	DocID     string `json:"doc_id"`
	IndexPath string `json:"index_path"`
}

// handleAddDocument registers a document whose index already exists on disk.
func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req addDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.DocID == "" || req.IndexPath == "" {
		jsonError(w, "doc_id and index_path are required", http.StatusBadRequest)
		return
	}

	loaded := s.ret.AddDocument(r.Context(), req.DocID, req.IndexPath)
	writeJSON(w, http.StatusOK, map[string]any{"doc_id": req.DocID, "loaded": loaded})
}

type processRequest struct {
	SourcePath string `json:"source_path"`
}

// handleProcessDocument runs the full offline pipeline for one document and
// registers the result.
func (s *Server) handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SourcePath == "" {
		jsonError(w, "source_path is required", http.StatusBadRequest)
		return
	}

	e := registry.Entry{
		ID: docID,
		Paths: registry.Paths{
			Source:      req.SourcePath,
			VectorIndex: docID + "/vector_store",
		},
	}
	if err := s.proc.Rebuild(r.Context(), s.cfg.BasePath, &e); err != nil {
		jsonError(w, "processing failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Register the complete entry: structured retrieval needs the tree and
	// source paths, not just the index.
	loaded := s.ret.Register(r.Context(), e)
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id": docID,
		"loaded": loaded,
		"paths":  e.Paths,
	})
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ret.CacheInfo())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.ret.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
