// Package websocket pushes video-session events to connected browsers. Clients
// subscribe to session topics; every subscription is checked against an
// authorizer so a user only ever hears about calls they are a party to.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/events"
)

const (
	sendBuffer = 64

	// maxMessageSize bounds a single client frame. Clients only send
	// subscribe and unsubscribe requests.
	maxMessageSize = 4096
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = pongWait * 9 / 10
)

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// ServerMessage acknowledges or rejects a subscription request. Session
// events themselves are delivered as raw envelopes.
type ServerMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Error string `json:"error,omitempty"`
}

// TopicAuthorizer decides whether a caller may subscribe to a topic.
type TopicAuthorizer interface {
	AuthorizeTopic(ctx context.Context, callerID int64, topic string) error
}

// AuthorizerFunc adapts a function to TopicAuthorizer.
type AuthorizerFunc func(ctx context.Context, callerID int64, topic string) error

func (f AuthorizerFunc) AuthorizeTopic(ctx context.Context, callerID int64, topic string) error {
	return f(ctx, callerID, topic)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID int64
	Topics []string
	Send   chan []byte
}

func newClient(userID int64) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients and their topic subscriptions. It is safe for
// concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}

	logger  zerolog.Logger
	dropped atomic.Int64
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client with no subscriptions.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(client, topic)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
// Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client. Topics it already holds are
// ignored.
func (h *Hub) Subscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range topics {
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.addLocked(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		drop[topic] = struct{}{}
		h.removeLocked(client, topic)
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := drop[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(client *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	subscribers, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, topic)
	}
}

// BroadcastRaw queues body for every subscriber of topic. A subscriber whose
// buffer is full misses the message rather than stalling the others.
func (h *Hub) BroadcastRaw(topic string, body []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- body:
		default:
			h.dropped.Add(1)
			h.logger.Warn().Str("client", client.ID).Str("topic", topic).Msg("client buffer full, message dropped")
		}
	}
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "websocket" }

// Send implements events.Sink by broadcasting the envelope on its topic.
func (h *Hub) Send(_ context.Context, env events.Envelope, body []byte) error {
	h.BroadcastRaw(env.Topic, body)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped returns how many messages were skipped because a client was slow.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Handler upgrades authenticated requests to websocket connections and
// routes subscribe and unsubscribe messages through the authorizer.
type Handler struct {
	hub        *Hub
	authorizer TopicAuthorizer
	upgrader   gorillawebsocket.Upgrader
	logger     zerolog.Logger

	readLimit  int64
	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewHandler builds a Handler. Cross-origin upgrades are accepted only from
// allowedOrigins; "*" allows any origin. Requests without an Origin header
// (non-browser clients) are accepted.
func NewHandler(hub *Hub, authorizer TopicAuthorizer, allowedOrigins []string) *Handler {
	return &Handler{
		hub:        hub,
		authorizer: authorizer,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger:     hub.logger,
		readLimit:  maxMessageSize,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection and starts the read and write pumps.
// Topics named in the "topic" query parameters are subscribed before the
// upgrade completes, so a denied topic fails the request with 403.
func (h *Handler) HandleConnect(c echo.Context) error {
	callerID, ok := auth.CallerFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "caller identity is required")
	}

	ctx := c.Request().Context()
	initial := c.QueryParams()["topic"]
	for _, topic := range initial {
		if err := h.authorizer.AuthorizeTopic(ctx, callerID, topic); err != nil {
			return echo.NewHTTPError(http.StatusForbidden, "not authorized for topic "+topic)
		}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}

	client := newClient(callerID)
	h.hub.Register(client)
	h.hub.Subscribe(client, initial...)

	// The request context ends when this handler returns; the reader keeps
	// its values (caller, clinic) but not its cancellation.
	go h.writePump(client, ws)
	go h.readPump(context.WithoutCancel(ctx), client, ws)

	return nil
}

// readPump owns the read side of the connection. A client that sends an
// oversized frame, or stops answering pings for pongWait, is disconnected.
func (h *Handler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(h.readLimit)
	if err := ws.SetReadDeadline(time.Now().Add(h.pongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, gorillawebsocket.ErrReadLimit) {
				h.logger.Warn().Str("client", client.ID).Int64("user_id", client.UserID).Msg("client message too large, closing")
			} else if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client", client.ID).Msg("websocket closed")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.reply(client, ServerMessage{Type: "error", Error: "malformed message"})
			continue
		}
		h.process(ctx, client, msg)
	}
}

// process applies one client message. Each topic is authorized separately;
// a denied topic does not affect the others in the same message.
func (h *Handler) process(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		for _, topic := range msg.Topics {
			if err := h.authorizer.AuthorizeTopic(ctx, client.UserID, topic); err != nil {
				h.logger.Debug().Err(err).Int64("user_id", client.UserID).Str("topic", topic).Msg("subscription denied")
				h.reply(client, ServerMessage{Type: "error", Topic: topic, Error: "forbidden"})
				continue
			}
			h.hub.Subscribe(client, topic)
			h.reply(client, ServerMessage{Type: "subscribed", Topic: topic})
		}
	case "unsubscribe":
		h.hub.Unsubscribe(client, msg.Topics...)
		for _, topic := range msg.Topics {
			h.reply(client, ServerMessage{Type: "unsubscribed", Topic: topic})
		}
	default:
		h.reply(client, ServerMessage{Type: "error", Error: "unknown action"})
	}
}

func (h *Handler) reply(client *Client, msg ServerMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	if _, ok := h.hub.all[client]; !ok {
		return
	}
	select {
	case client.Send <- body:
	default:
	}
}

// writePump drains the client's queue and pings on an interval so half-open
// connections are detected by the reader's deadline.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
