package session

import (
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/eventbus"
)

// NewStreamSessionForTest exposes the unexported constructor to the
// external test package.
func NewStreamSessionForTest(id uint64, clientIP string, app *ember.App, bus *eventbus.Bus) *StreamSession {
	return newStreamSession(id, clientIP, app, bus, [16]byte{}, [16]byte{}, 0, 0, "")
}
