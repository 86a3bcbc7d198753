package websocket

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/rooms"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
)

type Registry interface {
	Ensure(ctx context.Context, roomID string) (*rooms.Room, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Same-origin enforcement happens at the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleCollab upgrades the connection and attaches it to the room named in
// the URL, creating the room on first connect.
func HandleCollab(registry Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		if _, _, _, err := core.DecodeRoomID(roomID); err != nil {
			http.Error(w, "Invalid room id", http.StatusBadRequest)
			return
		}

		room, err := registry.Ensure(r.Context(), roomID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"room_id": roomID,
				"error":   err,
			}).Error("Failed to open room")
			if errors.Is(err, fs.ErrNotExist) {
				http.Error(w, "Document not found", http.StatusNotFound)
			} else {
				http.Error(w, "Failed to open room", http.StatusInternalServerError)
			}
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithField("error", err).Error("Websocket upgrade failed")
			return
		}

		client, err := room.Join()
		if err != nil {
			_ = conn.Close()
			return
		}

		log := logrus.WithFields(logrus.Fields{
			"room_id":   roomID,
			"client_id": client.ID(),
		})

		go writePump(conn, client, log)
		readPump(conn, room, client, log)
	}
}

// readPump relays inbound frames to the room until the connection drops.
func readPump(conn *websocket.Conn, room *rooms.Room, client *rooms.Client, log *logrus.Entry) {
	defer func() {
		room.Leave(client)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("error", err).Debug("Websocket read failed")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		kind, payload, err := decodeFrame(data)
		if err != nil {
			log.WithField("error", err).Warn("Dropping malformed frame")
			continue
		}

		switch kind {
		case rooms.MessageUpdate:
			room.SubmitUpdate(client, payload)
		case rooms.MessageAwareness:
			if id := gjson.GetBytes(payload, "clientId"); id.Exists() {
				log.WithField("awareness_client", id.String()).Trace("Awareness state")
			}
			room.SubmitAwareness(client, payload)
		}
	}
}

// writePump drains the client outbox onto the wire. The room closing the
// outbox ends the loop and the connection with it.
func writePump(conn *websocket.Conn, client *rooms.Client, log *logrus.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case m, ok := <-client.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			frame, err := encodeFrame(m.Kind, m.Payload)
			if err != nil {
				log.WithField("error", err).Warn("Dropping unencodable message")
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
