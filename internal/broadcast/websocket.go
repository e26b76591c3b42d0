package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulse-io/pulse/internal/logging"
)

// Event names carried on the push channel.
const (
	EventMetrics = "metrics"
	EventTraces  = "traces"
)

// Event is the websocket wire envelope. Every push becomes two events, one
// per name, so dashboard clients can route them independently.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings keep healthy
	// connections alive.
	pingPeriod = (pongWait * 9) / 10
)

// Handler upgrades requests to websocket connections subscribed to b.
// Each connection gets its own write pump; a connection that stops reading
// is detected through ping timeouts and unsubscribed without disturbing
// the rest of the fan-out set.
func Handler(b *Broadcaster, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Global()
	}
	logger = logger.WithComponent("broadcast")

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// Dashboards are served from arbitrary origins in development;
		// the push channel carries no mutations, only read-only state.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("websocket upgrade failed", map[string]any{"error": err.Error()})
			return
		}

		sub := b.Subscribe()
		go writePump(conn, sub, logger)

		// Read loop: the client sends nothing we act on, but reading is
		// what surfaces disconnects and pong frames.
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		b.Unsubscribe(sub)
		conn.Close()
	})
}

// writePump serializes pushes and pings onto one connection. It exits when
// the subscriber channel closes or a write fails.
func writePump(conn *websocket.Conn, sub *Subscriber, logger *logging.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case push, ok := <-sub.C():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Event{Event: EventMetrics, Data: push.Snapshot}); err != nil {
				logger.Debugf("metrics push write failed", map[string]any{
					"subscriber": sub.ID(), "error": err.Error(),
				})
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Event{Event: EventTraces, Data: push.Traces}); err != nil {
				logger.Debugf("traces push write failed", map[string]any{
					"subscriber": sub.ID(), "error": err.Error(),
				})
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
