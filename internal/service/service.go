// Package service holds the room coordination business rules.
//
//	handler (HTTP/WebSocket) → service → repository.Store
//	                               ↘ realtime (change events)
//
// The components:
//   - RoomRegistry: room codes, room creation, deletion and edits
//   - MembershipCoordinator: join, leave, remove member
//   - StatusTracker: home/away presence, geofence transitions
//   - SessionGateway: sign-up/in/out, passwords, account deletion, auth state
//   - RoomWatcher: live room snapshots
//   - Reconciler: repair pass for records written before membership
//     changes were transactional
//
// Every change that touches both a user and a room runs in one
// Store.InTx call, and events are published only after that transaction
// commits. Errors are apperror kinds wrapped with the operation name.
package service

import (
	"context"
	"log/slog"

	"github.com/sakif/roomspace/internal/realtime"
)

// Publisher is where committed changes are announced. realtime.Broker and
// realtime.RedisBridge both implement it.
type Publisher interface {
	Publish(ctx context.Context, ev realtime.Event)
}

// Subscriber delivers events for one topic until cancel is called.
type Subscriber interface {
	Subscribe(topic string, buffer int) (<-chan realtime.Event, func())
}

// PubSub is a Publisher that can also be subscribed to.
type PubSub interface {
	Publisher
	Subscriber
}

// announcer batches events during an operation and publishes them once the
// transaction has committed.
type announcer struct {
	events []realtime.Event
}

func (a *announcer) room(roomID string, kind realtime.Kind, subject string) {
	a.events = append(a.events, realtime.Event{Topic: realtime.RoomTopic(roomID), Kind: kind, Subject: subject})
}

func (a *announcer) user(userID string, kind realtime.Kind) {
	a.events = append(a.events, realtime.Event{Topic: realtime.UserTopic(userID), Kind: kind, Subject: userID})
}

func (a *announcer) flush(ctx context.Context, p Publisher) {
	for _, ev := range a.events {
		p.Publish(ctx, ev)
	}
	a.events = nil
}

func errAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
