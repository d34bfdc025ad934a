package console

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaultrail/vaultrail/internal/ledger"
)

// Liveness timing for feed connections. The server pings; a client that
// doesn't pong within the read deadline is dropped.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 512
)

// wsFrame is the envelope for every message pushed to feed clients.
// Type is "hello" on connect and "event" for appended audit events.
type wsFrame struct {
	Type    string        `json:"type"`
	Version string        `json:"version,omitempty"`
	Event   *ledger.Event `json:"event,omitempty"`
}

// wsHub manages the set of active WebSocket connections and fans
// appended audit events out to all of them. This is the backend for
// the console's live activity feed.
//
// A single hub goroutine owns the connections map — registration,
// unregistration, and broadcasting all happen in that goroutine via
// channels, so the map needs no lock.
type wsHub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn

	done     chan struct{}
	stopOnce sync.Once
}

// wsConn wraps a single WebSocket connection. writePump is the only
// writer once the pumps are running.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// upgrader handles HTTP → WebSocket protocol upgrade.
// CheckOrigin allows all origins since the console serves same-origin
// on one port and we want to support dev tools.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
	}
}

// run is the main hub event loop. Runs in a background goroutine until
// stop is called; on exit every client's send channel is closed, which
// shuts its writePump down.
func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return

		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("websocket client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Client's send buffer is full — drop the connection.
					// A slow client must not block the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// stop terminates the hub loop and disconnects all clients. Idempotent.
func (h *wsHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// broadcast sends a message to all connected WebSocket clients.
// Non-blocking — if the broadcast channel is full, the message is
// dropped. The feed is best-effort; the ledger is the record.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// register hands a client to the hub loop. Returns false if the hub has
// stopped, in which case the caller owns closing the connection.
func (h *wsHub) register(c *wsConn) bool {
	select {
	case h.registerCh <- c:
		return true
	case <-h.done:
		return false
	}
}

// unregister removes a client from the hub loop. Safe to call after the
// hub has stopped.
func (h *wsHub) unregister(c *wsConn) {
	select {
	case h.unregisterCh <- c:
	case <-h.done:
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket, greets the
// client with a hello frame, and registers it for broadcast events.
func (c *Console) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	if !c.wsHub.register(client) {
		conn.Close()
		return
	}

	// The pumps aren't running yet, so writing here can't interleave
	// with a broadcast. Queued events follow the hello on the wire.
	if hello, err := json.Marshal(wsFrame{Type: "hello", Version: c.version}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteMessage(websocket.TextMessage, hello)
	}

	go client.writePump()
	go client.readPump(c.wsHub)
}

// writePump drains the send channel to the WebSocket connection and
// pings on a ticker to keep the liveness check running. Runs in a
// goroutine per client; exits when the hub closes the send channel or
// a write fails.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes incoming messages to run the pong-based liveness
// check and to detect disconnection. The feed is one-directional
// (server → client); message contents are ignored.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
