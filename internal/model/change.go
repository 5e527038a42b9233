package model

import (
	"time"
)

// ChangeKind classifies a store mutation broadcast to subscribers.
type ChangeKind string

const (
	ChangeSessionOpened  ChangeKind = "session_opened"
	ChangeSessionUpdated ChangeKind = "session_updated"
	ChangeSessionEnded   ChangeKind = "session_ended"
	ChangeSessionRemoved ChangeKind = "session_removed"
	ChangeEventsAppended ChangeKind = "events_appended"
	ChangeBrowserEnded   ChangeKind = "browser_session_ended"
	ChangeReset          ChangeKind = "reset"
)

// Change describes one mutation of the presence stores.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	SessionID string     `json:"sessionId,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	Session   *Session   `json:"session,omitempty"`
	Events    int        `json:"events,omitempty"`
	At        time.Time  `json:"at"`
}
