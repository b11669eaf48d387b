package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/admitflow/admission-progress/internal/domain"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Connection states.
const (
	StateHandshaking   = "handshaking"
	StateAuthenticated = "authenticated"
	StateSubscribed    = "subscribed"
	StateConnClosed    = "closed"
)

// TopicForJob names the push topic carrying one job's progress snapshots.
func TopicForJob(jobID string) string {
	return fmt.Sprintf("/topic/applications/%s/progress", jobID)
}

// protectedTopic reports whether subscribing to topic requires authentication.
// All application topics are protected; authorization is enforced here at the
// subscription boundary, never at the handshake.
func protectedTopic(topic string) bool {
	return strings.HasPrefix(topic, "/topic/")
}

// clientFrame is what a connected client sends.
type clientFrame struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`
}

// serverFrame is a control message sent to a client.
type serverFrame struct {
	Type  string `json:"type"` // "subscribed", "unsubscribed", "error"
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

// pushFrame carries a progress snapshot to subscribers. Same shape as the
// polling endpoint, plus the frame type and topic.
type pushFrame struct {
	Type    string `json:"type"` // "progress"
	Topic   string `json:"topic"`
	JobID   string `json:"job_id"`
	Step    string `json:"step"`
	Status  string `json:"status"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Version int64  `json:"version"`
}

type publication struct {
	topic string
	data  []byte
}

// Hub manages push-channel connections and routes progress snapshots to
// per-job topic subscribers.
type Hub struct {
	clients    map[*client]struct{}
	topics     map[string]map[*client]struct{}
	mu         sync.RWMutex
	register   chan *client
	unregister chan *client
	publish    chan publication
	auth       Authenticator
	logger     *slog.Logger
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	principal *Principal // nil while unauthenticated

	mu     sync.Mutex
	state  string
	topics map[string]struct{}
}

// NewHub creates a hub. auth validates bearer credentials at the handshake.
func NewHub(auth Authenticator, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		topics:     make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		publish:    make(chan publication, 256),
		auth:       auth,
		logger:     logger,
	}
}

// Run starts the hub's event loop. Should be called as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("push client connected",
				"authenticated", c.principal != nil,
				"total_clients", total,
			)

		case c := <-h.unregister:
			h.drop(c)

		case p := <-h.publish:
			h.mu.RLock()
			subscribers := make([]*client, 0, len(h.topics[p.topic]))
			for c := range h.topics[p.topic] {
				subscribers = append(subscribers, c)
			}
			h.mu.RUnlock()

			for _, c := range subscribers {
				if !c.trySend(p.data) {
					// Subscriber buffer full — drop the connection, the
					// client recovers via the polling path.
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for topic := range c.subscribedTopics() {
			if subs := h.topics[topic]; subs != nil {
				delete(subs, c)
				if len(subs) == 0 {
					delete(h.topics, topic)
				}
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// PublishProgress pushes an accepted snapshot to the job's topic subscribers.
// Delivery is at-least-once; per-job version order follows from the single
// accepted-update call sequence.
func (h *Hub) PublishProgress(snapshot domain.ProgressSnapshot) {
	topic := TopicForJob(snapshot.JobID)
	data, err := json.Marshal(pushFrame{
		Type:    "progress",
		Topic:   topic,
		JobID:   snapshot.JobID,
		Step:    snapshot.Step,
		Status:  snapshot.Status,
		Percent: snapshot.Percent,
		Message: snapshot.Message,
		Version: snapshot.Version,
	})
	if err != nil {
		h.logger.Error("marshaling progress push frame", "error", err)
		return
	}

	select {
	case h.publish <- publication{topic: topic, data: data}:
	default:
		h.logger.Warn("push channel full, dropping progress frame",
			"job_id", snapshot.JobID, "version", snapshot.Version,
		)
	}
}

// HandleWebSocket upgrades the connection, intercepting the handshake to
// resolve an optional bearer credential. A missing, malformed or invalid
// credential does not fail the handshake: the connection proceeds
// unauthenticated and is turned away later at the subscription boundary.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var principal *Principal
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		p, err := h.auth.Authenticate(token)
		if err != nil {
			h.logger.Warn("push handshake credential rejected, continuing unauthenticated", "error", err)
		} else {
			principal = p
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 64),
		principal: principal,
		state:     StateHandshaking,
		topics:    make(map[string]struct{}),
	}
	if principal != nil {
		c.setState(StateAuthenticated)
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

// subscribe attaches a client to a topic, enforcing the authorization policy.
func (h *Hub) subscribe(c *client, topic string) {
	if protectedTopic(topic) && c.principal == nil {
		c.sendFrame(serverFrame{Type: "error", Topic: topic, Error: "unauthorized"})
		h.logger.Debug("rejected unauthenticated subscription", "topic", topic)
		return
	}

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	h.mu.Unlock()

	c.addTopic(topic)
	c.setState(StateSubscribed)
	c.sendFrame(serverFrame{Type: "subscribed", Topic: topic})
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	c.removeTopic(topic)
	c.sendFrame(serverFrame{Type: "unsubscribed", Topic: topic})
}

// ClientCount returns the number of connected push clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients are subscribed to a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (c *client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// State returns the connection's lifecycle state.
func (c *client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) addTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *client) removeTopic(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *client) subscribedTopics() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make(map[string]struct{}, len(c.topics))
	for t := range c.topics {
		topics[t] = struct{}{}
	}
	return topics
}

// trySend queues data for the write pump. Returns false when the buffer is
// full; silently discards when the connection is already closed.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnClosed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close marks the connection closed and shuts the send channel. The state
// flip and the close happen under the same lock trySend takes, so a late
// frame can never hit a closed channel.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnClosed {
		return
	}
	c.state = StateConnClosed
	close(c.send)
}

func (c *client) sendFrame(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.trySend(data)
}

// readPump reads subscribe/unsubscribe frames from the connection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendFrame(serverFrame{Type: "error", Error: "malformed frame"})
			continue
		}

		switch frame.Action {
		case "subscribe":
			c.hub.subscribe(c, frame.Topic)
		case "unsubscribe":
			c.hub.unsubscribe(c, frame.Topic)
		default:
			c.sendFrame(serverFrame{Type: "error", Error: "unknown action"})
		}
	}
}

// writePump writes queued frames to the connection with a ping keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
