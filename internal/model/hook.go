package model

import (
	"time"
)

// HookRegistration is a claim on the right to be the sole live consumer of an endpoint.
type HookRegistration struct {
	HookID       string         `json:"hookId"`
	Endpoint     string         `json:"endpoint"`
	OwnerLabel   string         `json:"ownerLabel"`
	Context      map[string]any `json:"context,omitempty"`
	RegisteredAt time.Time      `json:"registeredAt"`
	LastActivity time.Time      `json:"lastActivity"`
	RequestCount int            `json:"requestCount"`
	ErrorCount   int            `json:"errorCount"`
}

// HookStats is a snapshot of the registry.
type HookStats struct {
	Active             int                `json:"active"`
	TotalRegistrations int                `json:"totalRegistrations"`
	Rejections         int                `json:"rejections"`
	Registrations      []HookRegistration `json:"registrations"`
}

// RegisterHookRequest is the body of POST /hooks.
type RegisterHookRequest struct {
	Endpoint   string         `json:"endpoint"`
	OwnerLabel string         `json:"ownerLabel"`
	Context    map[string]any `json:"context,omitempty"`
}

// RegisterHookResponse carries a nil HookID when the endpoint is already held.
type RegisterHookResponse struct {
	HookID   *string `json:"hookId"`
	Rejected bool    `json:"rejected"`
}

// HookActivityRequest is the body of POST /hooks/{hookId}/activity.
type HookActivityRequest struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}
