package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/emberr"
)

func errNoSuchSession(id uint64) error {
	return emberr.Wrap(emberr.ErrNotFound, "no such session "+strconv.FormatUint(id, 10))
}

var viewerUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsViewerSink adapts a websocket connection to session.ViewerSink,
// pushing cursor-echo frames as they arrive from the session's control
// sub-session.
type wsViewerSink struct {
	conn *websocket.Conn
}

type cursorFrame struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

func (v *wsViewerSink) SendCursor(x, y int32) error {
	return v.conn.WriteJSON(cursorFrame{X: x, Y: y})
}

// handleViewer upgrades to a websocket and attaches a passive
// cursor-echo sink to the named session's control sub-session, per the
// multi-viewer supplement in SPEC_FULL.md §6. Grounded on the
// teacher's desktop.handleWSInput, which upgrades the same way for a
// different (input-forwarding) purpose.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	control, ok := s.registry.ControlSubsession(id)
	if !ok {
		writeError(w, r, errNoSuchSession(id))
		return
	}

	conn, err := viewerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("viewer websocket upgrade failed")
		return
	}
	defer conn.Close()

	control.AttachViewer(&wsViewerSink{conn: conn})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
