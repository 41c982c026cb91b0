package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabstir/host-agent/internal/supervisor"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second // must be < wsPongWait
	wsMaxMsgSize = 4 * 1024
)

// logEnvelope frames stream messages so clients can tell the initial history
// batch from live lines.
type logEnvelope struct {
	Type  string               `json:"type"` // "history" or "log"
	Lines []supervisor.LogLine `json:"lines,omitempty"`
	Line  *supervisor.LogLine  `json:"line,omitempty"`
}

// handleLogStream upgrades to WebSocket and streams the child's log ring:
// one history envelope with the most recent lines, then a live envelope per
// line. A single writer goroutine owns all writes to the connection.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkWSOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ring := s.agent.Supervisor().Ring()
	follow := ring.Follow()
	done := make(chan struct{})

	// Reader exists only to consume pongs and detect the peer going away.
	go func() {
		defer close(done)
		conn.SetReadLimit(wsMaxMsgSize)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer func() {
			ticker.Stop()
			ring.Unfollow(follow)
			conn.Close()
		}()

		write := func(env logEnvelope) bool {
			payload, err := json.Marshal(env)
			if err != nil {
				return false
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteMessage(websocket.TextMessage, payload) == nil
		}

		if !write(logEnvelope{Type: "history", Lines: ring.Last(s.cfg.LogTail)}) {
			return
		}
		for {
			select {
			case line, ok := <-follow:
				if !ok {
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if !write(logEnvelope{Type: "log", Line: &line}) {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// handleEventStream streams agent events as JSON, one frame per event. The
// optional ?type= query narrows the feed to a comma-separated set of event
// types; without it the client sees everything.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkWSOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var types []string
	if q := r.URL.Query().Get("type"); q != "" {
		types = strings.Split(q, ",")
	}
	bus := s.agent.Bus()
	sub := bus.Subscribe(types...)
	done := make(chan struct{})

	go func() {
		defer close(done)
		conn.SetReadLimit(wsMaxMsgSize)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer func() {
			ticker.Stop()
			bus.Unsubscribe(sub)
			conn.Close()
		}()

		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if conn.WriteMessage(websocket.TextMessage, payload) != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// checkWSOrigin applies the same allowlist as the CORS middleware. Requests
// without an Origin header (curl, native tools) are always admitted.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
