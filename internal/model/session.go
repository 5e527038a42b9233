// Package model defines data structures for the board presence service.
package model

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusIdle   SessionStatus = "idle"
	StatusEnded  SessionStatus = "ended"
)

// Valid reports whether s is one of the recognized statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusEnded:
		return true
	}
	return false
}

// UserType distinguishes registered users from guests.
type UserType string

const (
	UserRegistered UserType = "registered"
	UserGuest      UserType = "guest"
)

// Valid reports whether t is a recognized user type.
func (t UserType) Valid() bool {
	return t == UserRegistered || t == UserGuest
}

// RecentAction is a short summary of an event kept on the session.
type RecentAction struct {
	Type      string    `json:"type"`
	Category  string    `json:"category,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one logical presence of a user in the board application.
type Session struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"userId"`
	UserType           UserType       `json:"userType"`
	UserName           string         `json:"userName"`
	BrowserSessionID   string         `json:"browserSessionId,omitempty"`
	Status             SessionStatus  `json:"status"`
	CurrentRoute       string         `json:"currentRoute,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	LastActivityAt     time.Time      `json:"lastActivityAt"`
	StatusChangedAt    *time.Time     `json:"statusChangedAt,omitempty"`
	StatusChangeReason string         `json:"statusChangeReason,omitempty"`
	EndedAt            *time.Time     `json:"endedAt,omitempty"`
	EventCount         int            `json:"eventCount"`
	RecentActions      []RecentAction `json:"recentActions"`
	Simulated          bool           `json:"simulated,omitempty"`
}

// Clone returns a deep copy so callers can read it outside the store lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.StatusChangedAt != nil {
		t := *s.StatusChangedAt
		c.StatusChangedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.RecentActions = append([]RecentAction(nil), s.RecentActions...)
	return &c
}

// IsEnded reports whether the session reached its terminal state.
func (s *Session) IsEnded() bool {
	return s.Status == StatusEnded
}

// OpenSessionRequest is the request to open a new session.
type OpenSessionRequest struct {
	UserID           string   `json:"userId"`
	UserType         UserType `json:"userType"`
	UserName         string   `json:"userName"`
	BrowserSessionID string   `json:"browserSessionId,omitempty"`
	CurrentRoute     string   `json:"currentRoute,omitempty"`
}

// UpdateSessionRequest is a client heartbeat for a single session.
type UpdateSessionRequest struct {
	CurrentRoute *string        `json:"currentRoute,omitempty"`
	Status       *SessionStatus `json:"status,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// TransitionRequest moves every session of a user to a new status.
type TransitionRequest struct {
	UserID    string        `json:"userId"`
	NewStatus SessionStatus `json:"newStatus"`
	Reason    string        `json:"reason"`
}

// TransitionResponse reports how many sessions changed.
type TransitionResponse struct {
	UpdatedCount int `json:"updatedCount"`
}

// CleanupResponse reports how many sessions were ended by a bulk cleanup.
type CleanupResponse struct {
	EndedCount int `json:"endedCount"`
}

// UserSessions groups the sessions of one registered user.
type UserSessions struct {
	UserID      string     `json:"userId"`
	UserName    string     `json:"userName"`
	ActiveCount int        `json:"activeCount"`
	Sessions    []*Session `json:"sessions"`
}

// ListSessionsResponse is the response for GET /sessions.
type ListSessionsResponse struct {
	Grouped map[string]*UserSessions `json:"grouped"`
	Guests  []*Session               `json:"guests"`
	Total   int                      `json:"total"`
}

// ResetResponse reports what a nuclear reset cleared.
type ResetResponse struct {
	Sessions        int `json:"sessions"`
	Events          int `json:"events"`
	BrowserSessions int `json:"browserSessions"`
	Hooks           int `json:"hooks"`
}
