package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/board-presence/internal/model"
)

func TestChangeSubject(t *testing.T) {
	tests := []struct {
		name      string
		kind      model.ChangeKind
		sessionID string
		want      string
	}{
		{"plain", model.ChangeSessionOpened, "0190-abc", "presence.session_opened.0190-abc"},
		{"no session", model.ChangeReset, "", "presence.reset._"},
		{"wildcards escaped", model.ChangeEventsAppended, "a.b*c>d e", "presence.events_appended.a_b_c_d_e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChangeSubject(tt.kind, tt.sessionID))
		})
	}
}

func TestSessionFilter(t *testing.T) {
	assert.Equal(t, "presence.*.s1", SessionFilter("s1"))
	assert.Equal(t, "presence.*.s_1", SessionFilter("s.1"))
}
