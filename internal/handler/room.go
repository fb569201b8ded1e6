package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/service"
)

// RoomHandler serves room creation, membership and administration.
//
// ROUTES (all authenticated):
//
//	GET    /api/rooms/code                     → fresh unused room code
//	POST   /api/rooms                          → create (caller becomes creator)
//	POST   /api/rooms/join                     → join by name + code
//	GET    /api/rooms/{id}                     → room with member profiles
//	PATCH  /api/rooms/{id}                     → edit name / description
//	DELETE /api/rooms/{id}                     → delete room
//	POST   /api/rooms/{id}/code                → regenerate code
//	POST   /api/rooms/{id}/leave               → leave
//	DELETE /api/rooms/{id}/members/{userID}    → remove a member
type RoomHandler struct {
	registry *service.RoomRegistry
	members  *service.MembershipCoordinator
	logger   *slog.Logger
}

func NewRoomHandler(registry *service.RoomRegistry, members *service.MembershipCoordinator, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{registry: registry, members: members, logger: logger}
}

// CodeResponse carries a room code.
type CodeResponse struct {
	RoomCode string `json:"roomCode"`
}

// HandleGenerateCode suggests an unused code for the create form. The code is
// not reserved.
func (h *RoomHandler) HandleGenerateCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.registry.GenerateRoomCode(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CodeResponse{RoomCode: code})
}

type createRoomRequest struct {
	Name     string `json:"name"`
	RoomCode string `json:"roomCode"`
}

// CreateRoomResponse is the new room plus the creator's updated profile.
type CreateRoomResponse struct {
	Room *model.Room `json:"room"`
	User *model.User `json:"user"`
}

// HandleCreate creates a room. An empty roomCode gets a generated one.
func (h *RoomHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	room, owner, err := h.registry.CreateRoom(r.Context(), currentUserID(r), req.Name, req.RoomCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateRoomResponse{Room: room, User: owner})
}

type joinRoomRequest struct {
	Name     string `json:"name"`
	RoomCode string `json:"roomCode"`
}

// HandleJoin joins the room matching name and code and returns the caller's
// updated profile.
func (h *RoomHandler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := h.members.JoinRoom(r.Context(), currentUserID(r), req.Name, req.RoomCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *RoomHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.GetRoom(r.Context(), currentUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *RoomHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req service.RoomUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	room, err := h.registry.UpdateRoom(r.Context(), currentUserID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteRoom(r.Context(), currentUserID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) HandleRegenerateCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.registry.RegenerateRoomCode(r.Context(), currentUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CodeResponse{RoomCode: code})
}

// LeaveResponse reports what leaving did to the room.
type LeaveResponse struct {
	*service.LeaveResult
	Message string `json:"message"`
}

func (h *RoomHandler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	res, err := h.members.LeaveRoom(r.Context(), currentUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LeaveResponse{LeaveResult: res, Message: res.Message()})
}

func (h *RoomHandler) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.members.RemoveUserFromRoom(r.Context(), currentUserID(r), chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
