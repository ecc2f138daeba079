package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutesFirstWriterWins(t *testing.T) {
	r := newRoutes()
	assert.True(t, r.bindSession("ses_1", "/a"))
	assert.False(t, r.bindSession("ses_1", "/b"))
	assert.False(t, r.bindSession("", "/b"))
	assert.False(t, r.bindSession("ses_2", ""))
	assert.Equal(t, "/a", r.sessionDir("ses_1"))
	assert.Empty(t, r.sessionDir("ses_2"))

	assert.True(t, r.bindQuestion("que_1", "ses_1", "/q"))
	assert.False(t, r.bindQuestion("que_1", "ses_1", "/other"))
	assert.Equal(t, "/q", r.questionDir("que_1"))

	assert.True(t, r.bindPermission("per_1", "", "/p"))
	assert.False(t, r.bindPermission("per_1", "", "/other"))
	assert.Equal(t, "/p", r.permissionDir("per_1"))
}

func TestRoutesResolve(t *testing.T) {
	r := newRoutes()
	r.bindSession("ses_1", "/session")

	tests := []struct {
		name       string
		sessionID  string
		requestDir string
		want       string
	}{
		{name: "session wins", sessionID: "ses_1", requestDir: "/request", want: "/session"},
		{name: "request dir", sessionID: "ses_unknown", requestDir: "/request", want: "/request"},
		{name: "no session", requestDir: "/request", want: "/request"},
		{name: "fallback", sessionID: "ses_unknown", want: "/fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.resolve(tt.sessionID, tt.requestDir, "/fallback"))
		})
	}
}

func TestRoutesDropSession(t *testing.T) {
	r := newRoutes()
	r.bindSession("ses_1", "/a")
	r.bindSession("ses_2", "/b")
	r.bindQuestion("que_1", "ses_1", "/a")
	r.bindPermission("per_1", "ses_1", "/a")
	r.bindQuestion("que_2", "ses_2", "/b")

	r.dropSession("ses_1")
	assert.Empty(t, r.sessionDir("ses_1"))
	assert.Empty(t, r.questionDir("que_1"))
	assert.Empty(t, r.permissionDir("per_1"))
	assert.Equal(t, "/b", r.questionDir("que_2"))

	r.dropQuestion("que_2")
	assert.Empty(t, r.questionDir("que_2"))
	assert.Empty(t, r.owner)

	// Dropped entries can be bound again.
	assert.True(t, r.bindQuestion("que_2", "ses_2", "/c"))

	r.reset()
	assert.Empty(t, r.sessions)
	assert.Empty(t, r.questions)
}
