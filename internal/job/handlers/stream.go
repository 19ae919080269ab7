package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/events"
	"github.com/backportd/backportd/internal/events/bus"
	"github.com/backportd/backportd/internal/job/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Inbound frames carry no commands; the limit only bounds abuse.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamMessage is one event payload addressed to a job's viewers.
type streamMessage struct {
	jobID string
	data  []byte
}

// StreamClient is one WebSocket viewer of a single job.
type StreamClient struct {
	id     string
	jobID  string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger
}

func newStreamClient(jobID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *StreamClient {
	id := uuid.New().String()
	return &StreamClient{
		id:     id,
		jobID:  jobID,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id), zap.String("job_id", jobID)),
	}
}

// readPump drains inbound frames to keep pong handling alive. Viewers send
// nothing meaningful; the connection closes when they hang up.
func (c *StreamClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards hub messages to the peer and keeps the connection
// alive with pings.
func (c *StreamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans job events out to the WebSocket viewers of each job.
type Hub struct {
	clients    map[*StreamClient]bool
	jobClients map[string]map[*StreamClient]bool

	register   chan *StreamClient
	unregister chan *StreamClient
	broadcast  chan streamMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a stream hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*StreamClient]bool),
		jobClients: make(map[string]map[*StreamClient]bool),
		register:   make(chan *StreamClient),
		unregister: make(chan *StreamClient),
		broadcast:  make(chan streamMessage, 256),
		logger:     log.WithFields(zap.String("component", "stream-hub")),
	}
}

// Run processes hub traffic until the context ends, then closes every
// viewer connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Stream hub started")
	defer h.logger.Info("Stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.jobClients = make(map[string]map[*StreamClient]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if _, ok := h.jobClients[client.jobID]; !ok {
				h.jobClients[client.jobID] = make(map[*StreamClient]bool)
			}
			h.jobClients[client.jobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("Viewer connected",
				zap.String("client_id", client.id),
				zap.String("job_id", client.jobID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			h.logger.Debug("Viewer disconnected", zap.String("client_id", client.id))

		case msg := <-h.broadcast:
			h.mu.RLock()
			viewers := make([]*StreamClient, 0, len(h.jobClients[msg.jobID]))
			for client := range h.jobClients[msg.jobID] {
				viewers = append(viewers, client)
			}
			h.mu.RUnlock()

			for _, client := range viewers {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer: drop the connection rather than the
					// whole hub's throughput.
					h.mu.Lock()
					h.drop(client)
					h.mu.Unlock()
				}
			}
		}
	}
}

// drop removes a client from both maps and closes its channel. Callers hold
// the write lock.
func (h *Hub) drop(client *StreamClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if viewers, ok := h.jobClients[client.jobID]; ok {
		delete(viewers, client)
		if len(viewers) == 0 {
			delete(h.jobClients, client.jobID)
		}
	}
}

// Register adds a viewer to the hub.
func (h *Hub) Register(client *StreamClient) {
	h.register <- client
}

// Unregister removes a viewer from the hub.
func (h *Hub) Unregister(client *StreamClient) {
	h.unregister <- client
}

// Broadcast sends a payload to every viewer of the given job.
func (h *Hub) Broadcast(jobID string, data []byte) {
	h.broadcast <- streamMessage{jobID: jobID, data: data}
}

// ViewerCount returns the number of connected viewers for a job.
func (h *Hub) ViewerCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.jobClients[jobID])
}

// StreamHandler bridges the event bus into the hub and serves the stream
// endpoint.
type StreamHandler struct {
	hub    *Hub
	store  store.Store
	bus    bus.EventBus
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewStreamHandler creates the stream handler.
func NewStreamHandler(hub *Hub, st store.Store, eventBus bus.EventBus, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		hub:    hub,
		store:  st,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "stream-handler")),
	}
}

// Start subscribes the handler to every job's update and log subjects.
func (s *StreamHandler) Start() error {
	for _, subject := range []string{
		events.BuildJobUpdatedWildcardSubject(),
		events.BuildJobLogWildcardSubject(),
	} {
		sub, err := s.bus.Subscribe(subject, s.relay)
		if err != nil {
			s.Stop()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Stop detaches the handler from the bus.
func (s *StreamHandler) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe stream relay", zap.Error(err))
		}
	}
	s.subs = nil
}

// relay forwards one bus event to the viewers of the job it belongs to.
func (s *StreamHandler) relay(ctx context.Context, event *bus.Event) error {
	jobID, _ := event.Data["job_id"].(string)
	if jobID == "" {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.hub.Broadcast(jobID, data)
	return nil
}

// RegisterRoutes attaches the stream endpoint to the router.
func (s *StreamHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/v1/jobs/:id/stream", s.StreamJob)
}

// StreamJob upgrades the connection and tails one job's events.
// WS /api/v1/jobs/:id/stream
func (s *StreamHandler) StreamJob(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := s.store.GetJob(c.Request.Context(), jobID); err != nil {
		handleStoreError(c, s.logger, err, "job not found")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	client := newStreamClient(jobID, conn, s.hub, s.logger)
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}
