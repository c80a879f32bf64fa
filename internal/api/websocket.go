package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/auth"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/config"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/logging"
)

// Message types of the event stream protocol.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeSnapshot    = "snapshot"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// ChannelRegistryEvent carries every device.Event.
	ChannelRegistryEvent = "registry.event"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// knownChannels are the channels a client may subscribe to.
var knownChannels = []string{ChannelRegistryEvent}

// WSMessage is a message sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a message received from a client. The payload is decoded
// once the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe messages.
//
// Kinds and DeviceID narrow a subscription; empty values match every
// event. Snapshot asks for the current bindings right after the ack.
type WSSubscribePayload struct {
	Channels []string           `json:"channels"`
	Kinds    []device.EventKind `json:"kinds,omitempty"`
	DeviceID string             `json:"device_id,omitempty"`
	Snapshot bool               `json:"snapshot,omitempty"`
}

// eventFilter selects the events a subscription receives.
type eventFilter struct {
	kinds      []device.EventKind
	deviceID   bus.DeviceID
	allDevices bool
}

func (f eventFilter) match(ev device.Event) bool {
	if len(f.kinds) > 0 && !slices.Contains(f.kinds, ev.Kind) {
		return false
	}
	return f.allDevices || ev.DeviceID == f.deviceID
}

// Hub tracks connected clients and fans registry events out to them. It is
// a device.Observer and never blocks the registry: a client whose buffer is
// full misses the message and the hub counts it.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
	dropped atomic.Int64
}

// WSClient is one connected event stream consumer.
type WSClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	bindings func() []device.Binding

	mu      sync.RWMutex
	filters map[string]eventFilter // by channel

	subject string
	role    auth.Role
}

// upgrader accepts every origin; CORS middleware has already checked it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewHub creates a hub. Run must be called for it to release clients on
// shutdown.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

// unregister removes c. Only the caller that actually removes it closes the
// send channel, so Run and the read pump cannot both close it.
func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
}

// snapshot copies the client set so sends happen without the hub lock.
func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// OnEvent sends ev to every client whose ChannelRegistryEvent subscription
// matches it.
func (h *Hub) OnEvent(ev device.Event) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: ChannelRegistryEvent,
		Timestamp: ev.Time.UTC().Format(time.RFC3339Nano),
		Payload:   ev,
	})
	if err != nil {
		h.logger.Error("encoding registry event", "kind", ev.Kind, "error", err)
		return
	}

	for _, c := range h.snapshot() {
		if c.wants(ChannelRegistryEvent, ev) && !c.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were not delivered to slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// handleWebSocket upgrades the connection after redeeming the ticket from
// POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.redeem(ticket, time.Now())
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		bindings: s.registry.Bindings,
		filters:  make(map[string]eventFilter),
		subject:  entry.subject,
		role:     entry.role,
	}
	s.hub.register(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *WSClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(deadline)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Application messages count as liveness too.
		extend() //nolint:errcheck // a failed deadline surfaces as a read error
		c.handle(data)
	}
}

func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error is checked
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.subscribe(req)
	case WSTypeUnsubscribe:
		c.unsubscribe(req)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, errorPayload("unknown message type: "+req.Type))
	}
}

// decodeSubscription parses and checks a subscribe or unsubscribe payload.
func decodeSubscription(raw json.RawMessage) (WSSubscribePayload, eventFilter, error) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return sub, eventFilter{}, fmt.Errorf("invalid subscription payload: %w", err)
	}
	if len(sub.Channels) == 0 {
		return sub, eventFilter{}, fmt.Errorf("no channels given")
	}
	for _, ch := range sub.Channels {
		if !slices.Contains(knownChannels, ch) {
			return sub, eventFilter{}, fmt.Errorf("unknown channel %q", ch)
		}
	}

	f := eventFilter{kinds: sub.Kinds, allDevices: sub.DeviceID == ""}
	if !f.allDevices {
		id, err := bus.ParseDeviceID(sub.DeviceID)
		if err != nil {
			return sub, eventFilter{}, err
		}
		f.deviceID = id
	}
	return sub, f, nil
}

func (c *WSClient) subscribe(req wsRequest) {
	sub, f, err := decodeSubscription(req.Payload)
	if err != nil {
		c.reply(req.ID, WSTypeError, errorPayload(err.Error()))
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.filters[ch] = f
	}
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed", "channels", sub.Channels, "kinds", sub.Kinds, "subject", c.subject, "role", c.role)
	c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels})

	if sub.Snapshot {
		c.reply(req.ID, WSTypeSnapshot, map[string]any{"bindings": c.bindings()})
	}
}

func (c *WSClient) unsubscribe(req wsRequest) {
	sub, _, err := decodeSubscription(req.Payload)
	if err != nil {
		c.reply(req.ID, WSTypeError, errorPayload(err.Error()))
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.filters, ch)
	}
	c.mu.Unlock()

	c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
}

func (c *WSClient) wants(channel string, ev device.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.filters[channel]
	return ok && f.match(ev)
}

// trySend queues data without blocking. It reports false when the buffer is
// full or the client is already gone.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil { // send on a channel closed by unregister
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func errorPayload(msg string) map[string]string {
	return map[string]string{"message": msg}
}
