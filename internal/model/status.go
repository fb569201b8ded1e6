package model

import (
	"fmt"
	"strings"
)

// Status is a user's presence: at home or away.
type Status string

const (
	StatusHome Status = "home"
	StatusAway Status = "away"
)

// ParseStatus accepts "home" or "away" in any letter case. Older records
// were written as "Home"/"Away" and read back as the lowercase values.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusHome:
		return StatusHome, nil
	case StatusAway:
		return StatusAway, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

func (s Status) Valid() bool {
	return s == StatusHome || s == StatusAway
}

// GeofenceEvent is a region transition reported by a client device.
type GeofenceEvent string

const (
	GeofenceEnter GeofenceEvent = "ENTER"
	GeofenceExit  GeofenceEvent = "EXIT"
)

// StatusForGeofence maps a region transition to a status: entering the home
// region means home, leaving it means away.
func StatusForGeofence(ev GeofenceEvent) (Status, error) {
	switch GeofenceEvent(strings.ToUpper(string(ev))) {
	case GeofenceEnter:
		return StatusHome, nil
	case GeofenceExit:
		return StatusAway, nil
	default:
		return "", fmt.Errorf("unknown geofence event %q", ev)
	}
}
