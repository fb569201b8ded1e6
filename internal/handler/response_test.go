package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/roomspace/internal/apperror"
)

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"validation", apperror.ValidationFailed("name", "name is required"), http.StatusBadRequest, "validation_error"},
		{"invalid argument", apperror.InvalidArgument("status", "bad"), http.StatusBadRequest, "invalid_argument"},
		{"forbidden", apperror.Forbidden("only the room creator can delete the room"), http.StatusForbidden, "permission_denied"},
		{"not found", apperror.NotFound("room", "r1"), http.StatusNotFound, "not_found"},
		{"conflict", apperror.ConflictMessage("already in a room"), http.StatusConflict, "conflict"},
		{"duplicate code", apperror.DuplicateCode("APPLE-0001"), http.StatusConflict, "duplicate_code"},
		{"wrapped", fmt.Errorf("service/rooms: deleting room: %w", apperror.Forbidden("no")), http.StatusForbidden, "permission_denied"},
		{"unknown", errors.New("driver: connection reset"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantKind, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestErrorResponseHidesInternalDetails(t *testing.T) {
	_, body := errorResponse(errors.New("pq: password authentication failed for user postgres"))
	assert.NotContains(t, body.Message, "postgres")
}

func TestErrorResponseCarriesField(t *testing.T) {
	_, body := errorResponse(apperror.ValidationFailed("roomCode", "room code is required"))
	assert.Equal(t, "roomCode", body.Field)
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Lab"}`))
	require.NoError(t, decodeJSON(rr, r, &dst))
	assert.Equal(t, "Lab", dst.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	err := decodeJSON(rr, r, &dst)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	big := `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	assert.ErrorIs(t, decodeJSON(rr, r, &dst), apperror.ErrValidation)
}
