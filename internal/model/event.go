package model

import (
	"time"
)

// Event is one immutable fact appended to a session's timeline.
type Event struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	Type       string         `json:"type"`
	Category   string         `json:"category,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"receivedAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Sequence is store-assigned and orders events with equal timestamps.
	Sequence uint64 `json:"sequence"`
}

// AppendEventsRequest is the body of POST /sessions/events.
type AppendEventsRequest struct {
	SessionID string  `json:"sessionId"`
	Events    []Event `json:"events"`
}

// AppendEventsResponse is the response after appending events.
type AppendEventsResponse struct {
	EventsReceived int `json:"eventsReceived"`
	TotalEvents    int `json:"totalEvents"`
}

// EventQuery filters GET /sessions/events.
type EventQuery struct {
	SessionID string
	Category  string
	Limit     int
}

// ListEventsResponse is the response for GET /sessions/events.
type ListEventsResponse struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
}

// PurgeResponse reports how much the event store released.
type PurgeResponse struct {
	CleanedSessions int `json:"cleanedSessions"`
	CleanedEvents   int `json:"cleanedEvents"`
}
