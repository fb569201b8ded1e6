// Package realtime fans change notifications out to listeners.
//
// Services publish an Event after every committed change. Listeners (room
// watchers, auth-state subscriptions, WebSocket streams) subscribe to a
// topic and reload whatever they display when an event arrives. Events are
// notifications, not payloads: a listener always reads fresh state from the
// store, so a dropped or coalesced event never leaves it showing stale data
// for longer than the next event.
package realtime

import "time"

// Kind says what changed.
type Kind string

const (
	KindRoomUpdated     Kind = "room.updated"
	KindRoomDeleted     Kind = "room.deleted"
	KindMemberJoined    Kind = "member.joined"
	KindMemberLeft      Kind = "member.left"
	KindUserUpdated     Kind = "user.updated"
	KindUserDeleted     Kind = "user.deleted"
	KindSignedIn        Kind = "auth.signed_in"
	KindSignedOut       Kind = "auth.signed_out"
	KindPasswordChanged Kind = "auth.password_changed"
)

// Event is one change notification. Subject is the user the change
// concerns, when there is one.
type Event struct {
	ID      string    `json:"id"`
	Origin  string    `json:"origin"`
	Topic   string    `json:"topic"`
	Kind    Kind      `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	At      time.Time `json:"at"`
}

// RoomTopic is the topic for changes to a room or to any of its members.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// UserTopic is the topic for changes to one user's profile or session.
func UserTopic(userID string) string {
	return "user:" + userID
}
