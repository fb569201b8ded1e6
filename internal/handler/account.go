package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/roomspace/internal/auth"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/service"
)

// AccountHandler serves the unauthenticated account routes: sign-up,
// sign-in, sign-out and password reset.
//
// SESSION COOKIE:
// A successful sign-up or sign-in stores the session token in the HttpOnly
// "token" cookie and also returns it in the body for non-browser clients,
// which send it back as "Authorization: Bearer <token>".
type AccountHandler struct {
	sessions *service.SessionGateway
	cookie   SessionCookie
	logger   *slog.Logger
}

func NewAccountHandler(sessions *service.SessionGateway, cookie SessionCookie, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		sessions: sessions,
		cookie:   cookie,
		logger:   logger,
	}
}

type signUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned by sign-up, sign-in and password change.
type SessionResponse struct {
	User  *model.User `json:"user,omitempty"`
	Token string      `json:"token"`
}

// HandleSignUp creates an account.
//
// HTTP: POST /api/auth/signup
func (h *AccountHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.sessions.SignUp(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	h.cookie.set(w, res.Token)
	writeJSON(w, http.StatusCreated, SessionResponse{User: res.User, Token: res.Token})
}

// HandleSignIn authenticates with email and password.
//
// HTTP: POST /api/auth/signin
func (h *AccountHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	h.cookie.set(w, res.Token)
	writeJSON(w, http.StatusOK, SessionResponse{User: res.User, Token: res.Token})
}

// HandleSignOut revokes the request's session token and clears the cookie.
// The user's sessions on other devices stay signed in.
//
// HTTP: POST /api/auth/signout
func (h *AccountHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	if token := auth.TokenFromRequest(r); token != "" {
		if err := h.sessions.SignOut(r.Context(), token); err != nil {
			writeError(w, err)
			return
		}
	}
	h.cookie.clear(w)
	w.WriteHeader(http.StatusNoContent)
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

// HandleSendPasswordReset mails a reset link. The answer is the same whether
// or not the address has an account.
//
// HTTP: POST /api/auth/password/reset
func (h *AccountHandler) HandleSendPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.SendPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{
		Message: "If an account exists for that address, a reset link is on its way.",
	})
}

type confirmResetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// HandleConfirmPasswordReset sets a new password from a reset link.
//
// HTTP: POST /api/auth/password/reset/confirm
func (h *AccountHandler) HandleConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req confirmResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Password updated. Sign in with your new password."})
}

// SessionCookie writes the session token cookie.
//
//   - HttpOnly: page scripts cannot read it
//   - SameSite=Lax: not sent on cross-site POSTs
//   - Secure: set when the server runs behind TLS
type SessionCookie struct {
	TTL    time.Duration
	Secure bool
}

func (c SessionCookie) set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.TTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c SessionCookie) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
