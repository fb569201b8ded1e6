package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON and writeError so the API has one
// response shape.
//
// CONSISTENT ERROR FORMAT:
//   {"error": "permission_denied", "message": "only the room creator can delete the room"}
//
// "error" is the machine-readable kind, "message" is safe to show to the
// user as-is, and "field" names the offending input for validation errors.

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/auth"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Input field at fault, when known
}

// MessageResponse carries a status line for operations without a record to
// return.
type MessageResponse struct {
	Message string `json:"message"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status go out on the first Write, so both are set before the
// body is encoded.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorMapping pairs an apperror kind with its HTTP status and wire name.
// Order matters only in that every kind appears once.
var errorMapping = []struct {
	kind   error
	status int
	name   string
}{
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{apperror.ErrWeakPassword, http.StatusBadRequest, "weak_password"},
	{apperror.ErrInvalidEmail, http.StatusBadRequest, "invalid_email"},
	{apperror.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{apperror.ErrReauthFailed, http.StatusUnauthorized, "reauth_failed"},
	{apperror.ErrForbidden, http.StatusForbidden, "permission_denied"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrDuplicateCode, http.StatusConflict, "duplicate_code"},
	{apperror.ErrEmailInUse, http.StatusConflict, "email_in_use"},
	{apperror.ErrConflict, http.StatusConflict, "conflict"},
}

// writeError maps a domain error to an HTTP status and sends it.
//
// errors.Is walks the whole chain, so a service error like
//
//	fmt.Errorf("service/rooms: deleting room x: %w", apperror.Forbidden(...))
//
// still maps to 403. Anything that is not an AppError is an unknown failure:
// it is logged and the client gets a generic 500 that never leaks driver or
// network details.
func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		slog.Error("unhandled error", slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

// errorResponse is the status and body writeError sends for err. WebSocket
// streams reuse the body for their terminal error frame.
func errorResponse(err error) (int, ErrorResponse) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, m := range errorMapping {
			if errors.Is(err, m.kind) {
				return m.status, ErrorResponse{
					Error:   m.name,
					Message: appErr.Message,
					Field:   appErr.Field,
				}
			}
		}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	}
}

// decodeJSON reads a JSON body into dst. A malformed body is reported as a
// validation error so it renders as 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperror.ValidationFailed("body", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

// currentUserID returns the authenticated caller. Routes using it sit behind
// auth.RequireAuth, so a missing ID is a wiring bug.
func currentUserID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}
