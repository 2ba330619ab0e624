package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// sendBuffer is the per-socket fanout queue. A socket too slow to
	// drain it gets frames dropped rather than stalling the document.
	sendBuffer = 256
)

// client is one live socket bound to a tree document.
type client struct {
	treeID string
	conn   *websocket.Conn

	send      chan []byte
	closeChan chan struct{}
	closed    bool
	closeMu   sync.Mutex
}

func newClient(treeID string, conn *websocket.Conn) *client {
	return &client{
		treeID:    treeID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		closeChan: make(chan struct{}),
	}
}

// enqueue queues a frame for delivery without blocking the caller.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		log.Warn().Str("tree_id", c.treeID).Msg("socket send queue full, dropping frame")
	}
}

// writeLoop is the only goroutine writing to the connection. It drains
// the send queue and keeps the connection alive with pings.
func (c *client) writeLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("tree_id", c.treeID).Msg("ping failed")
				return
			}
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Debug().Err(err).Str("tree_id", c.treeID).Msg("socket write failed")
				return
			}
		}
	}
}

// close shuts the socket down exactly once.
func (c *client) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeChan)
	_ = c.conn.Close()
}
