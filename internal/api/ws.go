package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// wsError is sent as a JSON control frame when a loop execution fails.
type wsError struct {
	Error string `json:"error"`
}

// wsDone marks the end of one streamed answer so the client can re-enable
// its input.
type wsDone struct {
	Done bool `json:"done"`
}

// handleChatWS serves the WebSocket variant of /chat/send: the client sends
// SendRequest frames, the server streams answer chunks back as text messages
// and finishes each exchange with a {"done":true} frame. The connection
// stays open across exchanges.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req SendRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		emit := func(chunk string) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(chunk)); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
			}
		}

		if err := s.loop.Process(r.Context(), req.ConversationID, req.Message, emit); err != nil {
			s.logger.Error("loop execution failed", "conversation", req.ConversationID, "error", err)
			_ = conn.WriteJSON(wsError{Error: "agent error"})
			continue
		}
		_ = conn.WriteJSON(wsDone{Done: true})
	}
}
