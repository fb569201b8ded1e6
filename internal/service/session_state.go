package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/realtime"
)

// AuthStateFunc receives the signed-in user's current profile, or nil once
// the user has signed out or the account is gone.
type AuthStateFunc func(user *model.User)

// SubscribeAuthState calls fn with userID's current profile, then again
// after every change to it, until the returned cancel is called or ctx is
// done. fn runs on one goroutine at a time.
//
// fn gets nil when the account is deleted or when sessionID is signed out.
// Other sessions of the same user signing out are ignored.
func (g *SessionGateway) SubscribeAuthState(ctx context.Context, userID, sessionID string, fn AuthStateFunc) (cancel func()) {
	// Subscribe before the first read so no change falls in between.
	events, unsubscribe := g.events.Subscribe(realtime.UserTopic(userID), realtime.DefaultBuffer)
	ctx, stop := context.WithCancel(ctx)

	g.deliverAuthState(ctx, userID, fn)

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Kind {
				case realtime.KindSignedOut:
					if ev.Subject == sessionID {
						fn(nil)
					}
				case realtime.KindUserDeleted:
					fn(nil)
				default:
					g.deliverAuthState(ctx, userID, fn)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			unsubscribe()
		})
	}
}

func (g *SessionGateway) deliverAuthState(ctx context.Context, userID string, fn AuthStateFunc) {
	user, err := g.CurrentUser(ctx, userID)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		fn(nil)
	case err != nil:
		if ctx.Err() == nil {
			g.logger.Warn("reloading auth state", slog.String("userID", userID), errAttr(err))
		}
	default:
		fn(user)
	}
}

// Session is one client's view of the signed-in user. It follows profile
// changes pushed by other requests and can be reloaded on demand.
type Session struct {
	gateway   *SessionGateway
	userID    string
	sessionID string
	cancel    func()

	// deliver orders updates: listeners run one at a time and see changes
	// in the order they were applied. gen counts applied updates.
	deliver sync.Mutex
	gen     uint64

	mu        sync.Mutex
	user      *model.User
	listeners map[int]AuthStateFunc
	nextID    int
	closed    bool
}

// OpenSession starts following userID for the session token sessionID.
// Close must be called when the client goes away.
func (g *SessionGateway) OpenSession(ctx context.Context, userID, sessionID string) *Session {
	s := &Session{
		gateway:   g,
		userID:    userID,
		sessionID: sessionID,
		listeners: make(map[int]AuthStateFunc),
	}
	s.cancel = g.SubscribeAuthState(ctx, userID, sessionID, s.set)
	return s
}

// User returns a copy of the latest profile, or nil when signed out.
func (s *Session) User() *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Subscribe calls fn with the current profile and after every change. fn
// must not call Refresh.
func (s *Session) Subscribe(fn AuthStateFunc) (unsubscribe func()) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	current := s.user
	s.mu.Unlock()

	fn(current)
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Refresh reloads the profile from the store and notifies listeners. If a
// pushed change lands while the reload is in flight, the reload is dropped.
func (s *Session) Refresh(ctx context.Context) error {
	s.deliver.Lock()
	seen := s.gen
	s.deliver.Unlock()

	user, err := s.gateway.CurrentUser(ctx, s.userID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	s.deliver.Lock()
	defer s.deliver.Unlock()
	if s.gen == seen {
		s.apply(user)
	}
	return err
}

// Close stops following changes and drops all listeners.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.listeners = map[int]AuthStateFunc{}
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) set(user *model.User) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.apply(user)
}

// apply stores user and notifies listeners. s.deliver must be held.
func (s *Session) apply(user *model.User) {
	s.gen++

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.user = user
	fns := make([]AuthStateFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(user)
	}
}
