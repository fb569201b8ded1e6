package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMailerWithClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	var got Message
	var gotAuth string

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"relay-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, err := NewHTTPMailer(context.Background(), Config{
		Endpoint:     srv.URL + "/send",
		TokenURL:     srv.URL + "/token",
		ClientID:     "roomspace",
		ClientSecret: "s3cret",
	})
	require.NoError(t, err)

	msg := PasswordResetMessage("ada@example.com", "https://app.example/reset?token=abc")
	require.NoError(t, m.Send(context.Background(), msg))
	require.NoError(t, m.Send(context.Background(), msg))

	assert.Equal(t, "Bearer relay-token", gotAuth)
	assert.Equal(t, "ada@example.com", got.To)
	assert.Contains(t, got.Text, "https://app.example/reset?token=abc")
	assert.Equal(t, int32(1), tokenCalls.Load(), "token should be cached between sends")
}

func TestHTTPMailerRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, err := NewHTTPMailer(context.Background(), Config{Endpoint: srv.URL})
	require.NoError(t, err)

	err = m.Send(context.Background(), Message{To: "a@b.co"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNewHTTPMailerRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPMailer(context.Background(), Config{})
	assert.Error(t, err)
}
