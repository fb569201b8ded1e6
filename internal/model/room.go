package model

import "time"

// DefaultRoomDescription is applied to every newly created room.
const DefaultRoomDescription = "A space to stay connected, track statuses, and collaborate. Let’s keep it productive and fun for everyone!"

// Room is a named group with a shareable join code.
//
// Members is ordered by join time: Members[0] joined first. When the creator
// leaves, the earliest-joined remaining member becomes the creator.
// CreatorID is always one of Members while the room exists, and a room with
// no members does not exist.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Desc      string    `json:"desc"`
	RoomCode  string    `json:"roomCode"`
	CreatorID string    `json:"creatorId"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasMember reports whether userID is in the member list.
func (r *Room) HasMember(userID string) bool {
	for _, id := range r.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// IsCreator reports whether userID created (or inherited) the room.
func (r *Room) IsCreator(userID string) bool {
	return r.CreatorID == userID
}

// EarliestMemberExcept returns the first member in join order other than
// userID, or "" when no one else is left.
func (r *Room) EarliestMemberExcept(userID string) string {
	for _, id := range r.Members {
		if id != userID {
			return id
		}
	}
	return ""
}

// MemberView is the slice of a member's profile shown to other members.
type MemberView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// RoomSnapshot is a room together with its members' current profiles, in
// join order. It is what room listeners receive on every change.
type RoomSnapshot struct {
	Room    Room         `json:"room"`
	Members []MemberView `json:"members"`
}
