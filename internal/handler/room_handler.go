package handler

import (
	"errors"
	"net/http"
	"strconv"

	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/service"
	"glyph-sync-server/pkg/response"

	"github.com/gorilla/mux"
)

type RoomHandler struct {
	rooms *service.RoomService
}

func NewRoomHandler(rooms *service.RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]interface{}{"rooms": h.rooms.ActiveRooms()})
}

func (h *RoomHandler) State(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	state, err := h.rooms.State(r.Context(), room)
	if err != nil {
		roomError(w, err, "Failed to load room")
		return
	}
	response.Success(w, map[string]interface{}{"room": room, "fields": state})
}

func (h *RoomHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			response.BadRequest(w, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	snaps, err := h.rooms.Snapshots(r.Context(), room, limit)
	if err != nil {
		roomError(w, err, "Failed to list snapshots")
		return
	}
	if snaps == nil {
		snaps = []*domain.RoomSnapshot{}
	}
	response.Success(w, snaps)
}

func (h *RoomHandler) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	snap, err := h.rooms.TakeSnapshot(r.Context(), room)
	if err != nil {
		roomError(w, err, "Failed to take snapshot")
		return
	}
	response.Created(w, snap)
}

func roomError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, service.ErrInvalidRoom) {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRoom, err.Error())
		return
	}
	response.InternalError(w, msg)
}
