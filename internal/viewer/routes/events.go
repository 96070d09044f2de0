package routes

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Clients only send control frames.
	maxClientMessage = 512
)

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16384,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if slices.Contains(origins, "*") || slices.Contains(origins, origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// registerEventRoutes serves GET /api/call/events: a websocket that first
// replays the bus history, then streams every event as
// {"type": <name>, "data": <payload>}. An event published while the replay
// runs may arrive twice.
func registerEventRoutes(mux *http.ServeMux, d Deps) {
	upgrader := newUpgrader(d.Origins)

	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("VIEWER: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := d.Bus.Subscribe(0)
		defer cancel()
		log.Debugf("VIEWER: event stream opened from %s", r.RemoteAddr)

		closed := make(chan struct{})
		go readPump(conn, closed)

		for _, e := range d.Bus.History() {
			if writeEvent(conn, e) != nil {
				return
			}
		}

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				log.Debugf("VIEWER: event stream closed by %s", r.RemoteAddr)
				return
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(writeWait))
					return
				}
				if writeEvent(conn, e) != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	})
}

// readPump drains control frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	b, err := events.Encode(e)
	if err != nil {
		log.Warnf("VIEWER: encode %s: %v", e.Name(), err)
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
