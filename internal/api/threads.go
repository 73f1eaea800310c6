package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"quill/internal/convlog"
)

func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	thread, err := s.log.CreateThread(req.ID, req.Name)
	if err != nil {
		s.logger.Error("thread create failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "thread create failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, thread, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	threads, err := s.log.ListThreads()
	if err != nil {
		s.logger.Error("thread list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "thread list failed")
		return
	}
	if threads == nil {
		threads = []*convlog.Thread{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"threads": threads}, s.logger)
}

func (s *Server) handleThreadRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "id and name are required")
		return
	}

	switch err := s.log.RenameThread(req.ID, req.Name); {
	case errors.Is(err, convlog.ErrThreadNotFound):
		s.errorResponse(w, http.StatusNotFound, "thread not found")
	case err != nil:
		s.logger.Error("thread rename failed", "thread", req.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "thread rename failed")
	default:
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{"status": "renamed"}, s.logger)
	}
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch err := s.log.DeleteThread(id); {
	case errors.Is(err, convlog.ErrThreadNotFound):
		s.errorResponse(w, http.StatusNotFound, "thread not found")
	case err != nil:
		s.logger.Error("thread delete failed", "thread", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "thread delete failed")
	default:
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{"status": "deleted"}, s.logger)
	}
}
