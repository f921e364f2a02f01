package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// MsgListenAPI handles GET /{ctx}/_vm_/msg-listen/{msgId}: it upgrades to a
// WebSocket and streams every message sent to msgId via msgSend, one JSON
// frame per message, until the channel closes or the client disconnects
// (spec §4.2 Channel, spec §6).
func (s *Server) MsgListenAPI(w http.ResponseWriter, r *http.Request) {
	ctxID := r.PathValue("ctx")
	msgID := r.PathValue("msgId")

	hub, err := s.engine.Hub(r.Context(), ctxID)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	queue, detach, err := hub.Subscribe(msgID)
	if err != nil {
		httpResponseError(w, err)
		return
	}
	defer detach()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case msg, ok := <-queue:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}

			payload, err := json.Marshal(msg)
			if err != nil {
				slog.Error("marshal channel message", "ctx", ctxID, "msgId", msgID, "error", err)
				continue
			}

			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("write channel message", "ctx", ctxID, "msgId", msgID, "error", err)
				}
				return
			}
		}
	}
}
