// Package events implements the /jobEvents websocket observer stream: a
// named observer, registered on the queue, aliveness and reaper observer
// lists, that fans bucket/worker lifecycle transitions out to connected
// operator clients.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/platform/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one lifecycle transition, broadcast to every connected client
// as a single JSON frame.
type Event struct {
	Type       string          `json:"type"`
	JobID      domain.JobId    `json:"jobId,omitempty"`
	BucketID   domain.BucketId `json:"bucketId,omitempty"`
	WorkerID   domain.WorkerId `json:"workerId,omitempty"`
	Reenqueued int             `json:"reenqueued,omitempty"`
	Count      int             `json:"count,omitempty"`
	At         time.Time       `json:"at"`
}

// Hub manages websocket clients and broadcasts lifecycle events. It
// implements metrics.DispatchObserver, metrics.AlivenessObserver and
// queue.ReclaimObserver, so the same hub instance is registered as one
// observer of each kind rather than needing a separate fan-out per kind.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	log        *logger.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub. Run must be started as a goroutine before any
// event reaches connected clients.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    map[*client]bool{},
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run drives the hub's event loop until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("failed to marshal job event", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// ClientCount returns the number of currently connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) emit(ev Event) {
	ev.At = time.Now()
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("job event broadcast channel full, dropping event", "type", ev.Type)
	}
}

// ServeWS upgrades the request to a websocket and registers the
// connection as a new event client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// BucketEnqueued implements metrics.DispatchObserver.
func (h *Hub) BucketEnqueued(jobID domain.JobId, bucketID domain.BucketId) {
	h.emit(Event{Type: "bucketEnqueued", JobID: jobID, BucketID: bucketID})
}

// BucketDequeued implements metrics.DispatchObserver.
func (h *Hub) BucketDequeued(jobID domain.JobId, bucketID domain.BucketId, workerID domain.WorkerId) {
	h.emit(Event{Type: "bucketDequeued", JobID: jobID, BucketID: bucketID, WorkerID: workerID})
}

// BucketAccepted implements metrics.DispatchObserver.
func (h *Hub) BucketAccepted(jobID domain.JobId, bucketID domain.BucketId, reenqueued int) {
	h.emit(Event{Type: "bucketAccepted", JobID: jobID, BucketID: bucketID, Reenqueued: reenqueued})
}

// JobDepleted implements metrics.DispatchObserver.
func (h *Hub) JobDepleted(jobID domain.JobId) {
	h.emit(Event{Type: "jobDepleted", JobID: jobID})
}

// WorkerWentSilent implements metrics.AlivenessObserver.
func (h *Hub) WorkerWentSilent(workerID domain.WorkerId, lastHeartbeatAt time.Time) {
	h.emit(Event{Type: "workerSilent", WorkerID: workerID})
}

// WorkerBlocked implements metrics.AlivenessObserver.
func (h *Hub) WorkerBlocked(workerID domain.WorkerId) {
	h.emit(Event{Type: "workerBlocked", WorkerID: workerID})
}

// BucketsReclaimed implements queue.ReclaimObserver.
func (h *Hub) BucketsReclaimed(jobID domain.JobId, buckets []domain.Bucket) {
	h.emit(Event{Type: "bucketsReclaimed", JobID: jobID, Count: len(buckets)})
}
