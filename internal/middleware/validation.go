package middleware

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/model"
)

const (
	maxIDLength       = 128
	maxEndpointLength = 256
	maxLabelLength    = 128
)

// ValidateID validates an opaque identifier such as a session, browser
// session or user ID.
func ValidateID(field, id string) error {
	if id == "" {
		return apperr.Invalid(field, "required")
	}
	if len(id) > maxIDLength {
		return apperr.Invalid(field, "exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return apperr.Invalid(field, "must be valid UTF-8")
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return apperr.Invalid(field, "must not contain control characters")
	}
	return nil
}

// ValidateEndpoint validates a hook endpoint key.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return apperr.Invalid("endpoint", "required")
	}
	if !strings.HasPrefix(endpoint, "/") {
		return apperr.Invalid("endpoint", "must start with /")
	}
	if len(endpoint) > maxEndpointLength {
		return apperr.Invalid("endpoint", "exceeds maximum length")
	}
	return nil
}

// ValidateOwnerLabel validates the diagnostic name of a hook owner.
func ValidateOwnerLabel(owner string) error {
	if owner == "" {
		return apperr.Invalid("owner", "required")
	}
	if len(owner) > maxLabelLength || !utf8.ValidString(owner) {
		return apperr.Invalid("owner", "must be valid UTF-8 up to 128 bytes")
	}
	return nil
}

// ValidateStatus validates a session status value.
func ValidateStatus(field string, status model.SessionStatus) error {
	if status == "" {
		return apperr.Invalid(field, "required")
	}
	if !status.Valid() {
		return apperr.Invalid(field, "must be one of active, idle, ended")
	}
	return nil
}
