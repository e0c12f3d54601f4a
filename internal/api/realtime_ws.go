package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hexwave/chatmux/internal/fanout"
	"github.com/hexwave/chatmux/pkg/wire"
)

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	user := userID(r)
	client := fanout.NewClient(uuid.NewString(), user, conn)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	go client.WriteLoop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wire.ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			if !client.Queue(wire.ServerEnvelope{
				Type:    wire.ServerMessageTypeError,
				Message: "invalid message",
			}) {
				return
			}
			continue
		}

		if msg.Type == wire.ClientMessageTypePing {
			if !client.Queue(wire.ServerEnvelope{Type: wire.ServerMessageTypePong}) {
				return
			}
			continue
		}

		// Commands never block the read loop; a slow streaming turn must not
		// prevent this connection from aborting it or starting another.
		h.dispatcher.Handle(r.Context(), user, msg)
	}
}
