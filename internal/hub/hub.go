// Package hub binds websocket connections to tree documents and relays
// the replication protocol: binary update frames applied to the local
// document, rebroadcast to every other socket in the tree's group, and
// persisted write-behind by the registry. The update payload itself is
// an opaque engine format; the hub never inspects it.
package hub

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbor/internal/metasync"
	"arbor/internal/metrics"
	"arbor/internal/registry"
)

// Frame types on the socket. Everything after the type byte belongs to
// the replication engine (update) or to the clients themselves
// (awareness: presence blobs relayed verbatim, never applied or stored).
const (
	frameUpdate    byte = 0x00
	frameAwareness byte = 0x01
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the fronting proxy
	},
}

// Hub accepts connections on /ws/{treeId} and manages per-tree broadcast
// groups.
type Hub struct {
	registry *registry.Registry
	meta     *metasync.Synchronizer

	mu     sync.Mutex
	groups map[string]*group
}

type group struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(reg *registry.Registry, meta *metasync.Synchronizer) *Hub {
	return &Hub{
		registry: reg,
		meta:     meta,
		groups:   make(map[string]*group),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	treeID := strings.TrimPrefix(r.URL.Path, "/ws/")
	treeID = strings.TrimSuffix(treeID, "/")

	// Malformed client bootstrapping produces empty or literal "null"
	// tree ids; refuse those before upgrading.
	if treeID == "" || treeID == "null" || strings.Contains(treeID, "/") {
		metrics.WSRejected.Inc()
		http.Error(w, "invalid tree id", http.StatusBadRequest)
		return
	}

	handle, err := h.registry.Get(r.Context(), treeID, true)
	if err != nil {
		metrics.WSRejected.Inc()
		log.Error().Err(err).Str("tree_id", treeID).Msg("resolve document failed")
		http.Error(w, "tree unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("tree_id", treeID).Msg("websocket upgrade failed")
		return
	}
	metrics.WSConnections.Inc()
	log.Info().Str("tree_id", treeID).Msg("ws connected")

	c := newClient(treeID, conn)
	g := h.joinGroup(handle, c)
	go c.writeLoop()

	// Sync handshake: the new socket gets the full current state as one
	// update frame; everything after is incremental.
	c.enqueue(frame(frameUpdate, handle.Doc().EncodeState()))

	// Best-effort metadata refresh; failure never blocks the session.
	h.meta.RefreshAsync(handle)

	h.readLoop(handle, g, c)
}

// readLoop applies frames in receipt order, which preserves the
// per-socket ordering guarantee; frames from different sockets may
// interleave and converge by the engine's merge properties.
func (h *Hub) readLoop(handle *registry.Handle, g *group, c *client) {
	defer func() {
		h.leaveGroup(g, c)
		c.close()
		log.Info().Str("tree_id", c.treeID).Msg("ws disconnected")
	}()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("tree_id", c.treeID).Msg("socket read error")
			}
			return
		}
		if len(data) < 1 {
			continue
		}

		switch data[0] {
		case frameUpdate:
			metrics.WSMessages.Inc()
			if err := handle.Doc().ApplyUpdate(data[1:], c); err != nil {
				// A blob the engine cannot decode is dropped; the socket
				// stays up and later updates still converge.
				log.Warn().Err(err).Str("tree_id", c.treeID).Msg("rejected malformed update")
			}
		case frameAwareness:
			g.broadcast(data, c)
		default:
			log.Debug().Str("tree_id", c.treeID).Uint8("type", data[0]).Msg("unknown frame type")
		}
	}
}

// joinGroup adds the socket to its tree's broadcast group, creating the
// group and wiring it to the document on first join. The document
// subscription outlives individual sockets: REST-originated mutations
// fan out to connected clients the same way socket updates do.
func (h *Hub) joinGroup(handle *registry.Handle, c *client) *group {
	h.mu.Lock()
	g, ok := h.groups[handle.TreeID]
	if !ok {
		g = &group{clients: make(map[*client]struct{})}
		h.groups[handle.TreeID] = g
		handle.Doc().Subscribe(func(update []byte, origin any) {
			g.broadcast(frame(frameUpdate, update), origin)
		})
	}
	h.mu.Unlock()

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	return g
}

// leaveGroup removes the socket. The group and the document handle stay
// alive for reuse until process restart.
func (h *Hub) leaveGroup(g *group, c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// broadcast fans a frame out to every socket in the group except the
// origin.
func (g *group) broadcast(data []byte, origin any) {
	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		if c != origin {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

func frame(frameType byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = frameType
	copy(buf[1:], payload)
	return buf
}
