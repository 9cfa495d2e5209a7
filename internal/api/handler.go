package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/i5heu/ouroboros-ec/internal/front"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

type sanityResponse struct {
	Key  string `json:"key"`
	Lost int    `json:"lost"`
}

type clusterResponse struct {
	Version uint64       `json:"version"`
	Members []memberInfo `json:"members"`
}

type memberInfo struct {
	ID       uint64  `json:"id"`
	Address  string  `json:"address"`
	Capacity float64 `json:"capacity"`
}

type addNodeRequest struct {
	Address string `json:"address"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var dl *model.DataLossError
	switch {
	case errors.As(err, &dl) && dl.Found == 0:
		status = http.StatusNotFound
	case errors.As(err, &dl):
		status = http.StatusGone
	case errors.Is(err, front.ErrEmptyCluster), errors.Is(err, model.ErrFailed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrRejected):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func objectKey(r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(r)
	if !ok {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxObjectSize))
	if err != nil {
		http.Error(w, "failed to read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.objects.Create(r.Context(), key, data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(r)
	if !ok {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	data, err := s.objects.Read(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		s.log.Warn("failed to write object", "key", key, "error", err.Error())
	}
}

func (s *Server) handleSanity(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(r)
	if !ok {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	lost, err := s.objects.SanityCheck(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sanityResponse{Key: key, Lost: lost})
}

func (s *Server) handleCluster(w http.ResponseWriter, _ *http.Request) {
	m := s.members.Cluster()
	resp := clusterResponse{Version: m.Version(), Members: []memberInfo{}}
	for _, n := range m.Nodes() {
		resp.Members = append(resp.Members, memberInfo{ID: n.ID, Address: string(n.Address), Capacity: n.Capacity})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		http.Error(w, "expected {\"address\": \"host:port\"}", http.StatusBadRequest)
		return
	}
	if err := s.members.AddNode(r.Context(), model.Address(req.Address)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	addr, err := url.PathUnescape(chi.URLParam(r, "address"))
	if err != nil || addr == "" {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	if err := s.members.RemoveNode(r.Context(), model.Address(addr)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
