package service

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/roomspace/internal/auth"
	"github.com/sakif/roomspace/internal/mail"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/realtime"
	"github.com/sakif/roomspace/internal/repository"
	"github.com/sakif/roomspace/internal/repository/sqlite"
)

// =========================================================================
// TEST ENVIRONMENT
// =========================================================================
//
// Services run against a real in-memory SQLite store and an in-process
// broker, so transactions and events behave as in production.

var fastRetry = RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

type testEnv struct {
	store      *sqlite.DB
	broker     *realtime.Broker
	tokens     *auth.TokenService
	mailer     *captureMailer
	registry   *RoomRegistry
	members    *MembershipCoordinator
	status     *StatusTracker
	sessions   *SessionGateway
	watcher    *RoomWatcher
	reconciler *Reconciler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts ...RegistryOption) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := auth.NewTokenService("test-secret-at-least-16", time.Hour)
	require.NoError(t, err)

	logger := discardLogger()
	broker := realtime.NewBroker(logger)
	mailer := &captureMailer{}

	opts = append([]RegistryOption{WithRetryPolicy(fastRetry)}, opts...)
	env := &testEnv{
		store:      store,
		broker:     broker,
		tokens:     tokens,
		mailer:     mailer,
		registry:   NewRoomRegistry(store, broker, logger, nil, opts...),
		members:    NewMembershipCoordinator(store, broker, logger, nil),
		status:     NewStatusTracker(store, broker, logger, nil),
		sessions:   NewSessionGateway(store, tokens, auth.NewPasswordServiceForTest(bcrypt.MinCost), broker, mailer, logger, nil, SessionConfig{ResetURL: "https://app.test/reset"}),
		watcher:    NewRoomWatcher(store, broker, logger),
		reconciler: NewReconciler(store, broker, logger, nil),
	}
	env.status.retry = fastRetry
	env.sessions.retry = fastRetry
	env.watcher.retry = fastRetry
	return env
}

func (e *testEnv) user(t *testing.T, name string) *model.User {
	t.Helper()
	u := &model.User{Name: name, Email: strings.ToLower(name) + "@example.com", Status: model.StatusHome}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u
}

func (e *testEnv) room(t *testing.T, owner *model.User, name, code string) *model.Room {
	t.Helper()
	room, _, err := e.registry.CreateRoom(context.Background(), owner.ID, name, code)
	require.NoError(t, err)
	return room
}

func (e *testEnv) join(t *testing.T, u *model.User, room *model.Room) {
	t.Helper()
	_, err := e.members.JoinRoom(context.Background(), u.ID, room.Name, room.RoomCode)
	require.NoError(t, err)
}

func (e *testEnv) getUser(t *testing.T, id string) *model.User {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (e *testEnv) getRoom(t *testing.T, id string) *model.Room {
	t.Helper()
	r, err := e.store.GetRoom(context.Background(), id)
	require.NoError(t, err)
	return r
}

// assertConsistent checks the membership invariants over the whole store:
// roomId and member lists agree in both directions, every creator is a
// member and no room is empty.
func assertConsistent(t *testing.T, store repository.Store) {
	t.Helper()
	ctx := context.Background()

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	rooms, err := store.ListRooms(ctx)
	require.NoError(t, err)

	byRoom := make(map[string]model.Room, len(rooms))
	for _, r := range rooms {
		byRoom[r.ID] = r
		assert.NotEmpty(t, r.Members, "room %s has no members", r.ID)
		assert.True(t, r.HasMember(r.CreatorID), "creator of room %s is not a member", r.ID)
	}
	byUser := make(map[string]model.User, len(users))
	for _, u := range users {
		byUser[u.ID] = u
		if u.InRoom() {
			r, ok := byRoom[u.RoomID]
			if assert.True(t, ok, "user %s references missing room %s", u.ID, u.RoomID) {
				assert.True(t, r.HasMember(u.ID), "room %s does not list user %s", r.ID, u.ID)
			}
		}
	}
	for _, r := range rooms {
		for _, id := range r.Members {
			assert.Equal(t, r.ID, byUser[id].RoomID, "member %s of room %s points elsewhere", id, r.ID)
		}
	}
}

// codeSequence returns the given codes in order, then repeats the last one.
func codeSequence(codes ...string) CodeSource {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		c := codes[min(i, len(codes)-1)]
		i++
		return c
	}
}

// receiveEvent waits briefly for one event.
func receiveEvent(t *testing.T, ch <-chan realtime.Event) realtime.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return realtime.Event{}
	}
}

// =========================================================================
// CAPTURE MAILER
// =========================================================================

type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.sent...)
}

// resetToken pulls the token out of the last reset email's link.
func (m *captureMailer) resetToken(t *testing.T) string {
	t.Helper()
	msgs := m.messages()
	require.NotEmpty(t, msgs, "no mail sent")
	text := msgs[len(msgs)-1].Text
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "https://") {
			continue
		}
		u, err := url.Parse(line)
		require.NoError(t, err)
		token := u.Query().Get("token")
		require.NotEmpty(t, token)
		return token
	}
	t.Fatalf("no link in mail: %q", text)
	return ""
}

// =========================================================================
// FLAKY STORE
// =========================================================================

// flakyStore fails the first n RoomCodeExists calls with a transient error.
type flakyStore struct {
	repository.Store
	mu       sync.Mutex
	failures int
	calls    int
}

var errTransient = io.ErrUnexpectedEOF

func (f *flakyStore) RoomCodeExists(ctx context.Context, code string) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return false, errTransient
	}
	return f.Store.RoomCodeExists(ctx, code)
}
