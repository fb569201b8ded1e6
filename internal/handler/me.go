package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/service"
)

// MeHandler serves the signed-in user's own profile, password, status and
// account. Every route sits behind auth.RequireAuth.
type MeHandler struct {
	sessions *service.SessionGateway
	status   *service.StatusTracker
	cookie   SessionCookie
	logger   *slog.Logger
}

func NewMeHandler(sessions *service.SessionGateway, status *service.StatusTracker, cookie SessionCookie, logger *slog.Logger) *MeHandler {
	return &MeHandler{sessions: sessions, status: status, cookie: cookie, logger: logger}
}

// HandleGet returns the caller's profile.
//
// HTTP: GET /api/me
func (h *MeHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	user, err := h.sessions.CurrentUser(r.Context(), currentUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateProfileRequest struct {
	Name string `json:"name"`
}

// HandleUpdate renames the caller.
//
// HTTP: PATCH /api/me
func (h *MeHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := h.sessions.UpdateProfile(r.Context(), currentUserID(r), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type passwordRequest struct {
	Password string `json:"password"`
}

// HandleDelete deletes the caller's account after checking the password.
//
// HTTP: DELETE /api/me   body: {"password": "..."}
func (h *MeHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.DeleteAccount(r.Context(), currentUserID(r), req.Password); err != nil {
		writeError(w, err)
		return
	}
	h.cookie.clear(w)
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// HandleChangePassword replaces the password and issues a new session;
// other sessions are signed out.
//
// HTTP: PUT /api/me/password
func (h *MeHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := h.sessions.ChangePassword(r.Context(), currentUserID(r), req.OldPassword, req.NewPassword)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cookie.set(w, token)
	writeJSON(w, http.StatusOK, SessionResponse{Token: token})
}

type statusRequest struct {
	Status string `json:"status"`
}

// HandleSetStatus sets home or away.
//
// HTTP: PUT /api/me/status
func (h *MeHandler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := h.status.SetStatus(r.Context(), currentUserID(r), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type geofenceRequest struct {
	Event model.GeofenceEvent `json:"event"`
}

// HandleGeofence applies a device region transition (ENTER or EXIT).
//
// HTTP: POST /api/me/geofence
func (h *MeHandler) HandleGeofence(w http.ResponseWriter, r *http.Request) {
	var req geofenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := h.status.ApplyGeofenceEvent(r.Context(), currentUserID(r), req.Event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
