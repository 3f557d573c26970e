package controlapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
)

// upgrader permits any origin, matching the teacher's wide-open dashboard
// CORS policy (spec.md describes a local operator dashboard, not a
// multi-tenant public API).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is the wire shape spec.md §6 describes for event frames:
// {type, session_id?, ts, ...payload}.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	TS        int64  `json:"ts"`
	Seq       uint64 `json:"seq"`
	Payload   any    `json:"payload,omitempty"`
}

func toFrame(evt eventbus.Event) frame {
	f := frame{SessionID: evt.SessionID, TS: time.Now().UTC().UnixMilli(), Seq: evt.Seq, Payload: evt.Payload}
	switch evt.Kind {
	case eventbus.KindProgress:
		f.Type = "progress"
	case eventbus.KindLifecycle:
		if s, ok := evt.Payload.(string); ok {
			f.Type = s
		} else {
			f.Type = "status_update"
		}
	default:
		f.Type = "status_update"
	}
	return f
}

// handleWS upgrades the connection and relays Event Bus messages as JSON
// frames until the client disconnects (spec.md §4.8's subscribe_events).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("controlapi: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	// Drain client-initiated control frames (ping/close) in the background so
	// the connection's read deadline is honored; this server only pushes.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toFrame(evt)); err != nil {
				return
			}
		}
	}
}
