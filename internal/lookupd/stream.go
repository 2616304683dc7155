package lookupd

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to a peer.
	writeWait = 10 * time.Second

	// streamPongWait is how long an event subscriber may stay silent after
	// a ping before it is considered dead.
	streamPongWait = 60 * time.Second

	// streamPingPeriod must be shorter than streamPongWait so the
	// subscriber has time to reply.
	streamPingPeriod = (streamPongWait * 9) / 10

	// sendBufferSize is the capacity of a subscriber's outbound buffer.
	// A subscriber that falls this far behind is disconnected.
	sendBufferSize = 64
)

// upgrader performs the HTTP to WebSocket upgrade for both the registration
// channel and the event stream. Origin checks are left to the deployment's
// front proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventClient is one subscriber on the /events stream. The subscription is
// push-only: the peer sends nothing but close and pong frames. Each client
// runs a readPump (disconnect detection) and a writePump (frame delivery and
// keepalive pings).
type EventClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan protocol.EventFrame
	logger *zap.Logger
}

// NewEventClient upgrades the HTTP request and returns the subscriber.
func NewEventClient(hub *Hub, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*EventClient, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &EventClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan protocol.EventFrame, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client with the hub and pumps frames until the
// connection closes.
func (c *EventClient) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

func (c *EventClient) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	if err := c.conn.SetReadDeadline(time.Now().Add(streamPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("event stream closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only goroutine writing to conn; gorilla connections do
// not allow concurrent writers.
func (c *EventClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The hub dropped us — send a close frame and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Warn("event stream write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
