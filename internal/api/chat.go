package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// SendRequest is the body of POST /chat/send.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// handleChatSend runs one loop execution and streams the answer as raw text
// chunks: no framing, the stream simply ends when the answer is complete. A
// failure after streaming has begun appends a terminal {"error": ...} frame.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "empty message")
		return
	}
	if req.ConversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "missing conversation_id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The status line is written lazily: loop errors that occur before the
	// first chunk still get a proper status code.
	streaming := false
	emit := func(chunk string) {
		if !streaming {
			streaming = true
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			s.logger.Debug("client gone mid-stream", "error", err)
			return
		}
		flusher.Flush()
	}

	err := s.loop.Process(r.Context(), req.ConversationID, req.Message, emit)
	if err != nil {
		s.logger.Error("loop execution failed", "conversation", req.ConversationID, "error", err)
		if !streaming {
			s.errorResponse(w, statusForLoopError(err), "agent error")
			return
		}
		// The status line is already written. Append the same terminal
		// error frame the websocket path sends, so the caller can tell a
		// failed execution from a completed answer.
		payload, _ := json.Marshal(wsError{Error: "agent error"})
		if _, werr := w.Write(append([]byte("\n"), payload...)); werr != nil {
			s.logger.Debug("client gone before error frame", "error", werr)
			return
		}
		flusher.Flush()
	}
}

// HistoryEntry is one logged turn in a GET /chat/history response.
type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "missing conversation_id")
		return
	}

	entries, err := s.log.List(conversationID)
	if err != nil {
		s.logger.Error("history lookup failed", "conversation", conversationID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{
			Role:      e.Role,
			Content:   e.Content,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": conversationID,
		"messages":        out,
	}, s.logger)
}
