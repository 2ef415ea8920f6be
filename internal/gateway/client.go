package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingEvery  = 30 * time.Second
	sendBuffer = 64
)

// client is one WebSocket consumer. Frames are queued on a buffered
// channel and written by a single pump goroutine; a consumer that
// cannot keep up loses frames rather than stalling the bus.
type client struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	send chan protocol.Frame
	done chan struct{}
	once sync.Once
	code int
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		id:     newClientID(),
		conn:   conn,
		logger: logger,
		send:   make(chan protocol.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. Full buffer drops the frame.
func (c *client) enqueue(f protocol.Frame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		c.logger.Warn("slow websocket client, frame dropped", "id", c.id, "type", f.Type)
	}
}

// writePump owns every write on the connection, the close frame
// included, so nothing else may call conn.Write*.
func (c *client) writePump() {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(c.code, "")
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, msg)
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure)
				return
			}
		}
	}
}

// close asks the pump to say goodbye with the given status code.
// Safe to call from any goroutine, any number of times.
func (c *client) close(code int) {
	c.once.Do(func() {
		c.code = code
		close(c.done)
	})
}
