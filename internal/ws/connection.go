package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn wraps a single upgraded WebSocket connection. ConnectionID is the
// identifier used throughout session/store/role/transport as the member's
// connectionId; it exists from the moment the socket is accepted, before
// any joinSession has been processed.
type Conn struct {
	ConnectionID string
	conn         *websocket.Conn
	send         chan []byte
	log          zerolog.Logger

	sessionID string

	// onPongRTT, when set, is invoked with the round-trip time of each
	// ping/pong exchange — SyncEngine's heartbeat RTT source.
	onPongRTT func(rttMs int64)

	pingMu   sync.Mutex
	pingSent time.Time
}

func newConn(raw *websocket.Conn, log zerolog.Logger) *Conn {
	return &Conn{
		ConnectionID: uuid.NewString(),
		conn:         raw,
		send:         make(chan []byte, 64),
		log:          log,
	}
}

// NewConn wraps an already-upgraded *websocket.Conn. Exported for other
// packages' tests (dispatch, telemetry) that need a real *Conn to exercise
// Hub/Dispatcher wiring without going through a live HTTP upgrade.
func NewConn(raw *websocket.Conn, log zerolog.Logger) *Conn {
	return newConn(raw, log)
}

// OnPongRTT registers a callback invoked with the measured round-trip time
// whenever a pong answers this connection's keepalive ping.
func (c *Conn) OnPongRTT(fn func(rttMs int64)) {
	c.onPongRTT = fn
}

// Send enqueues data for delivery. Returns false if the client's outbound
// buffer is full — the caller decides whether that's fatal (reliable
// delivery) or fine to drop (volatile delivery).
func (c *Conn) Send(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WritePump runs the write pump in the caller's goroutine. Exported so
// other packages' tests can drive a *Conn created via NewConn the same way
// Server.handleWS does internally.
func (c *Conn) WritePump() {
	c.writePump()
}

// writePump owns conn.WriteMessage and is the only goroutine allowed to
// write to the connection, per gorilla/websocket's concurrency contract. It
// also emits periodic pings so a dead TCP connection is detected even when
// nothing is being broadcast.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.pingMu.Lock()
			c.pingSent = time.Now()
			c.pingMu.Unlock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound frames and hands them to handle until the
// connection closes. It owns conn.ReadMessage exclusively, mirroring
// writePump's exclusive ownership of writes.
func (c *Conn) readPump(handle func(data []byte)) {
	defer close(c.send)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.pingMu.Lock()
		sentAt := c.pingSent
		c.pingMu.Unlock()
		if c.onPongRTT != nil && !sentAt.IsZero() {
			c.onPongRTT(time.Since(sentAt).Milliseconds())
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(data)
	}
}

// CloseWithCode sends a close frame carrying code and reason, used for
// persistent rate-limit violators (close code 1008, policy violation).
func (c *Conn) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}
