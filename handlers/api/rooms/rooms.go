package rooms

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/core"
	collab "github.com/trungleduc/jupyter-collaboration/rooms"
)

type (
	CompactResponse struct {
		CompactedThrough int64 `json:"compacted_through"`
	}

	Registry interface {
		Lookup(roomID string) (*collab.Room, error)
		Rooms() []*collab.Room
	}
)

// HandleListRooms reports every live room.
func HandleListRooms(registry Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		live := registry.Rooms()
		infos := make([]collab.Info, 0, len(live))
		for _, room := range live {
			infos = append(infos, room.Info())
		}
		render.JSON(w, r, infos)
	}
}

// HandleGetRoom reports one room by id.
func HandleGetRoom(registry Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, ok := lookup(w, r, registry)
		if !ok {
			return
		}
		render.JSON(w, r, room.Info())
	}
}

// HandleCompactRoom collapses a room's update log into a single snapshot.
func HandleCompactRoom(registry Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, ok := lookup(w, r, registry)
		if !ok {
			return
		}
		seq, err := room.Compact(r.Context())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"room_id": room.ID(),
				"error":   err,
			}).Error("Compaction failed")
			http.Error(w, "Compaction failed", http.StatusInternalServerError)
			return
		}
		render.JSON(w, r, CompactResponse{CompactedThrough: seq})
	}
}

// HandleSaveRoom flushes a room's document to its backing file.
func HandleSaveRoom(registry Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, ok := lookup(w, r, registry)
		if !ok {
			return
		}
		if err := room.Save(r.Context()); err != nil {
			if errors.Is(err, core.ErrRoomClosed) {
				http.Error(w, "Room not found", http.StatusNotFound)
				return
			}
			logrus.WithFields(logrus.Fields{
				"room_id": room.ID(),
				"error":   err,
			}).Error("Save failed")
			http.Error(w, "Save failed", http.StatusInternalServerError)
			return
		}
		render.NoContent(w, r)
	}
}

func lookup(w http.ResponseWriter, r *http.Request, registry Registry) (*collab.Room, bool) {
	roomID := chi.URLParam(r, "roomId")
	room, err := registry.Lookup(roomID)
	if err != nil {
		http.Error(w, "Room not found", http.StatusNotFound)
		return nil, false
	}
	return room, true
}

var _ Registry = (*collab.Registry)(nil)
