package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/sakif/roomspace/internal/auth"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/service"
)

// writeTimeout bounds a single frame write to a slow client.
const writeTimeout = 10 * time.Second

// StreamMessage is one server → client WebSocket frame.
//
//	{"type": "room",  "room": {...snapshot...}}
//	{"type": "user",  "user": {...profile...}}      user is null after sign-out
//	{"type": "error", "error": {"error": "not_found", "message": "..."}}
//
// An error frame is always the last frame before the server closes.
type StreamMessage struct {
	Type  string              `json:"type"`
	Room  *model.RoomSnapshot `json:"room,omitempty"`
	User  *model.User         `json:"user"`
	Error *ErrorResponse      `json:"error,omitempty"`

	final bool
}

func roomFrame(snap *model.RoomSnapshot) StreamMessage {
	return StreamMessage{Type: "room", Room: snap}
}

func userFrame(user *model.User) StreamMessage {
	return StreamMessage{Type: "user", User: user, final: user == nil}
}

func errorFrame(err error) StreamMessage {
	_, body := errorResponse(err)
	return StreamMessage{Type: "error", Error: &body, final: true}
}

// StreamHandler serves the live WebSocket feeds: room snapshots and the
// caller's own auth state.
//
// CONNECTION MODEL:
// Each connection has one writer goroutine draining an outbound channel
// (the write pump) and the handler goroutine reading client frames (the
// read pump). Service callbacks only ever push to the channel, so a slow
// client never blocks event delivery for anyone else.
type StreamHandler struct {
	watcher        *service.RoomWatcher
	sessions       *service.SessionGateway
	originPatterns []string
	logger         *slog.Logger
}

func NewStreamHandler(watcher *service.RoomWatcher, sessions *service.SessionGateway, originPatterns []string, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		watcher:        watcher,
		sessions:       sessions,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// HandleRoomStream sends the room's snapshot, then a fresh one after every
// change, until the room is deleted, the caller is removed or the client
// disconnects.
//
// HTTP: GET /api/rooms/{id}/stream (WebSocket upgrade)
func (h *StreamHandler) HandleRoomStream(w http.ResponseWriter, r *http.Request) {
	userID, roomID := currentUserID(r), chi.URLParam(r, "id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan StreamMessage, 8)
	push := h.pusher(ctx, out, roomID)

	// Watch before upgrading so a missing room or non-member gets a plain
	// HTTP error. The first snapshot is queued here, ahead of any change.
	stop, err := h.watcher.WatchRoom(ctx, userID, roomID, func(snap *model.RoomSnapshot, err error) {
		if err != nil {
			push(errorFrame(err))
			return
		}
		push(roomFrame(snap))
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer stop()

	c, err := h.accept(w, r)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream ended")

	// The room feed is one-way; CloseRead handles pings and cancels ctx when
	// the client goes away.
	ctx = c.CloseRead(ctx)

	h.writePump(ctx, c, out)
}

// HandleUserStream sends the caller's profile after every change. A text
// frame "reload" from the client forces a reload from the store.
//
// HTTP: GET /api/me/stream (WebSocket upgrade)
func (h *StreamHandler) HandleUserStream(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	c, err := h.accept(w, r)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan StreamMessage, 8)
	push := h.pusher(ctx, out, "user:"+userID)

	sess := h.sessions.OpenSession(ctx, userID, h.sessions.SessionID(auth.TokenFromRequest(r)))
	defer sess.Close()
	unsubscribe := sess.Subscribe(func(u *model.User) { push(userFrame(u)) })
	defer unsubscribe()

	go func() {
		defer cancel()
		h.readPump(ctx, c, sess, push)
	}()
	h.writePump(ctx, c, out)
}

func (h *StreamHandler) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		return nil, err
	}
	return c, nil
}

// pusher returns a non-blocking send onto out. Regular frames are dropped
// when the client is too far behind; the next one carries full state anyway.
// Final frames wait for room.
func (h *StreamHandler) pusher(ctx context.Context, out chan<- StreamMessage, stream string) func(StreamMessage) {
	return func(msg StreamMessage) {
		if msg.final {
			select {
			case out <- msg:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- msg:
		default:
			h.logger.Warn("dropping frame for slow client", slog.String("stream", stream), slog.String("type", msg.Type))
		}
	}
}

// writePump sends frames until ctx ends or a final frame has gone out.
func (h *StreamHandler) writePump(ctx context.Context, c *websocket.Conn, out <-chan StreamMessage) {
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "")
			return
		case msg := <-out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, msg)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
			if msg.final {
				c.Close(websocket.StatusNormalClosure, msg.Type)
				return
			}
		}
	}
}

// readPump handles client frames on the user stream until the connection
// closes.
func (h *StreamHandler) readPump(ctx context.Context, c *websocket.Conn, sess *service.Session, push func(StreamMessage)) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				h.logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if strings.TrimSpace(string(data)) != "reload" {
			continue
		}
		if err := sess.Refresh(ctx); err != nil {
			push(errorFrame(err))
		}
	}
}
