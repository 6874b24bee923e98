package relay

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/relay/core"
	"github.com/putto11262002/relay/pkg/router"
)

var ErrRoomNotFound = router.NewJsonError(http.StatusNotFound, "room not found")

// RoomHandler serves read-only snapshots of the hub's state.
type RoomHandler struct {
	hub *core.Hub
}

func NewRoomHandler(hub *core.Hub) *RoomHandler {
	return &RoomHandler{hub: hub}
}

type HealthResponse struct {
	Status string `json:"status"`
}

func (h *RoomHandler) HealthHandler(w http.ResponseWriter, r *http.Request) error {
	return router.JSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *RoomHandler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	rooms, err := h.hub.Rooms(r.Context())
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := url.PathUnescape(chi.URLParam(r, "roomID"))
	if err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid room id")
	}
	room, ok, err := h.hub.Room(r.Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomNotFound
	}
	return router.JSON(w, http.StatusOK, room)
}

func (h *RoomHandler) StatsHandler(w http.ResponseWriter, r *http.Request) error {
	stats, err := h.hub.Stats(r.Context())
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, stats)
}
