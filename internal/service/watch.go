package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/realtime"
	"github.com/sakif/roomspace/internal/repository"
)

// SnapshotFunc receives room snapshots. A non-nil err is terminal: the room
// was deleted (NotFound) or the watcher was removed from it (Forbidden), and
// no further calls follow.
type SnapshotFunc func(snap *model.RoomSnapshot, err error)

// RoomWatcher streams live snapshots of a room to its members.
type RoomWatcher struct {
	store  repository.Store
	events Subscriber
	logger *slog.Logger
	retry  RetryPolicy
}

func NewRoomWatcher(store repository.Store, events Subscriber, logger *slog.Logger) *RoomWatcher {
	return &RoomWatcher{store: store, events: events, logger: logger, retry: DefaultRetryPolicy}
}

// WatchRoom calls fn with the room's current snapshot before returning, then
// again with a fresh snapshot after each change to the room or its members
// until cancel is called or ctx is done. Only members may watch; a failed
// first load is returned as the error and fn is not called.
//
// Calls to fn never overlap and arrive in order. Bursts of events are
// coalesced into one reload.
func (w *RoomWatcher) WatchRoom(ctx context.Context, actorID, roomID string, fn SnapshotFunc) (cancel func(), err error) {
	if roomID == "" {
		return nil, apperror.InvalidArgument("roomId", "a room id is required")
	}

	events, unsubscribe := w.events.Subscribe(realtime.RoomTopic(roomID), realtime.DefaultBuffer)

	first, err := w.load(ctx, actorID, roomID)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	fn(first, nil)

	ctx, stop := context.WithCancel(ctx)
	go w.follow(ctx, actorID, roomID, events, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			unsubscribe()
		})
	}, nil
}

func (w *RoomWatcher) follow(ctx context.Context, actorID, roomID string, events <-chan realtime.Event, fn SnapshotFunc) {
	for {
		var ev realtime.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}

		deleted := ev.Kind == realtime.KindRoomDeleted
	drain:
		for {
			select {
			case more, ok := <-events:
				if !ok {
					return
				}
				deleted = deleted || more.Kind == realtime.KindRoomDeleted
			default:
				break drain
			}
		}

		if deleted {
			fn(nil, apperror.NotFound("room", roomID))
			return
		}

		snap, err := w.load(ctx, actorID, roomID)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			fn(snap, nil)
		case errors.Is(err, apperror.ErrNotFound), errors.Is(err, apperror.ErrForbidden):
			fn(nil, err)
			return
		default:
			// The next event triggers another attempt.
			w.logger.Warn("reloading room snapshot", slog.String("roomID", roomID), errAttr(err))
		}
	}
}

func (w *RoomWatcher) load(ctx context.Context, actorID, roomID string) (*model.RoomSnapshot, error) {
	snap, err := loadSnapshot(ctx, w.store, w.retry, roomID)
	if err != nil {
		return nil, err
	}
	if !snap.Room.HasMember(actorID) {
		return nil, apperror.Forbidden("only members can watch this room")
	}
	return snap, nil
}
