package model

import (
	"time"
)

// GuestIdentity is the anonymous identity provisioned for a browser tab.
type GuestIdentity struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ProfilePicture string         `json:"profilePicture"`
	Color          string         `json:"color"`
	Preferences    map[string]any `json:"preferences"`
	IsGuest        bool           `json:"isGuest"`
}

// BrowserSession is one browser tab or window.
type BrowserSession struct {
	ID               string            `json:"id"`
	CreatedAt        time.Time         `json:"createdAt"`
	LastActivityAt   time.Time         `json:"lastActivityAt"`
	ProvisionedGuest GuestIdentity     `json:"provisionedGuest"`
	ActiveUserID     string            `json:"activeUserId"`
	ActiveUserType   UserType          `json:"activeUserType"`
	SessionID        string            `json:"sessionId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (b *BrowserSession) Clone() *BrowserSession {
	c := *b
	if b.Metadata != nil {
		c.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	if b.ProvisionedGuest.Preferences != nil {
		c.ProvisionedGuest.Preferences = make(map[string]any, len(b.ProvisionedGuest.Preferences))
		for k, v := range b.ProvisionedGuest.Preferences {
			c.ProvisionedGuest.Preferences[k] = v
		}
	}
	return &c
}

// BrowserSessionRequest is the body of POST /browser-sessions. Method is set
// to "DELETE" by beacon-based teardown.
type BrowserSessionRequest struct {
	ID             string            `json:"id"`
	ActiveUserID   string            `json:"activeUserId,omitempty"`
	ActiveUserType UserType          `json:"activeUserType,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Method         string            `json:"method,omitempty"`
}

// SetActiveUserRequest switches the identity driving a tab.
type SetActiveUserRequest struct {
	UserID   string   `json:"userId"`
	UserType UserType `json:"userType"`
}

// EndBrowserSessionResponse is returned by browser-session teardown.
type EndBrowserSessionResponse struct {
	Success      bool `json:"success"`
	AlreadyEnded bool `json:"alreadyEnded,omitempty"`
}
