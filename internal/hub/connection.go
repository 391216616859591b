package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/filipsuk/lineheat/internal/logging"
	"github.com/filipsuk/lineheat/internal/protocol"
	"github.com/filipsuk/lineheat/internal/safego"
)

const (
	outboxSize     = 64
	writeWait      = 10 * time.Second
	maxFrameBytes  = 1 << 20
	messagesPerSec = 20
	messageBurst   = 40
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Connection is one editor client's websocket session: its identity, its
// outbound mailbox, and the set of rooms it has joined.
type Connection struct {
	id          string
	userID      string
	displayName string
	emoji       string

	conn    *websocket.Conn
	writeMu sync.Mutex // serializes writes and close frames on conn
	out     chan protocol.Envelope
	done    chan struct{}
	limiter *rate.Limiter

	hub    *Hub
	joined map[roomKey]struct{}
}

// ServeHTTP upgrades the request to a websocket, performs the handshake,
// and runs the connection's read loop until it disconnects. Grounded on
// Eggwite-Tether's websocket.Server.ServeHTTP.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	wsConn.SetReadLimit(maxFrameBytes)

	var hs protocol.HandshakeMsg
	wsConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := wsConn.ReadJSON(&hs); err != nil {
		logging.Log.WithError(err).Debug("handshake read failed")
		wsConn.Close()
		return
	}
	wsConn.SetReadDeadline(time.Time{})

	if hs.Token != h.token {
		closeWithReason(wsConn, "invalid token")
		return
	}
	if err := protocol.ValidateIdentity(hs.UserID, hs.DisplayName, hs.Emoji); err != nil {
		closeWithReason(wsConn, err.Error())
		return
	}

	check := protocol.CheckCompatibility(hs.ClientProtocolVersion)
	if !check.Compatible {
		_ = wsConn.WriteJSON(protocol.NewEnvelope("server:incompatible", protocol.ServerIncompatible{
			ServerProtocolVersion:    protocol.ServerProtocolVersion,
			MinClientProtocolVersion: protocol.MinClientProtocolVersion,
			Message:                  check.Reason,
		}))
		wsConn.Close()
		return
	}

	c := &Connection{
		id:          uuid.NewString(),
		userID:      hs.UserID,
		displayName: hs.DisplayName,
		emoji:       hs.Emoji,
		conn:        wsConn,
		out:         make(chan protocol.Envelope, outboxSize),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(messagesPerSec), messageBurst),
		hub:         h,
		joined:      make(map[roomKey]struct{}),
	}

	if err := wsConn.WriteJSON(protocol.NewEnvelope("server:hello", protocol.ServerHello{
		ServerProtocolVersion:    protocol.ServerProtocolVersion,
		MinClientProtocolVersion: protocol.MinClientProtocolVersion,
		ServerRetentionDays:      h.retentionDays,
	})); err != nil {
		wsConn.Close()
		return
	}

	h.registerConn(c)
	safego.Go(func() { c.writeLoop() })
	c.readLoop()
}

func closeWithReason(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(writeWait))
	conn.Close()
}

// writeLoop is the connection's single writer goroutine. Every outbound
// frame passes through it so concurrent senders never race on conn.Write
// (spec.md section 5). Each write's latency is recorded into the hub's
// LatencyRing, mirroring the teacher's sendLatency/MessageP99 tracking.
func (c *Connection) writeLoop() {
	defer c.closeConn()
	for {
		select {
		case env, ok := <-c.out:
			if !ok {
				return
			}
			start := time.Now()
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteJSON(env)
			c.writeMu.Unlock()
			c.hub.sendLatency.Record(time.Since(start))
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeConn closes the underlying websocket connection, guarded by
// writeMu so it never races a concurrent write from writeLoop or
// Hub.Close.
func (c *Connection) closeConn() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.Close()
}

// shutdown sends a close frame then closes the connection, guarded by
// writeMu. Used by Hub.Close to terminate every live connection on process
// shutdown.
func (c *Connection) shutdown(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// trySend enqueues env without blocking. If the connection's mailbox is
// full, the connection is slow or stuck; it is dropped rather than letting
// one slow reader stall the room (spec.md section 5's backpressure rule).
func (c *Connection) trySend(env protocol.Envelope) {
	select {
	case c.out <- env:
	default:
		logging.Log.WithField("conn_id", c.id).Warn("outbox full, dropping connection")
		c.hub.safeClose(c)
	}
}

func (c *Connection) readLoop() {
	defer c.hub.handleDisconnect(c)
	defer close(c.done)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.hub.dispatch(c, env)
	}
}
