package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/callrelay/internal/logging"
)

// ErrClientClosed is returned when writing to a closed admin connection.
var ErrClientClosed = errors.New("admin connection closed")

const adminWriteTimeout = 5 * time.Second

// AdminClient is an authenticated admin websocket connection.
type AdminClient struct {
	ConnID      string
	Info        ClientInfo
	ConnectedAt time.Time

	socket *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func newAdminClient(conn *websocket.Conn, info ClientInfo) *AdminClient {
	return &AdminClient{
		ConnID:      uuid.NewString(),
		Info:        info,
		ConnectedAt: time.Now(),
		socket:      conn,
	}
}

// Send writes a frame. Safe for concurrent use.
func (c *AdminClient) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.socket == nil {
		return ErrClientClosed
	}
	c.socket.SetWriteDeadline(time.Now().Add(adminWriteTimeout))
	return c.socket.WriteJSON(frame)
}

// Respond sends a success response for reqID.
func (c *AdminClient) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends an error response for reqID.
func (c *AdminClient) RespondError(reqID, code, message string) error {
	return c.Send(NewErrorResponse(reqID, code, message))
}

// ReadFrame reads the next frame.
func (c *AdminClient) ReadFrame() (Frame, error) {
	_, msg, err := c.socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close closes the connection once.
func (c *AdminClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.socket == nil {
		return nil
	}
	return c.socket.Close()
}

// AdminHub tracks connected admin clients and fans call events out to them.
type AdminHub struct {
	mu      sync.RWMutex
	clients map[string]*AdminClient
	seq     int64
	log     *logging.Logger
}

// NewAdminHub creates an empty hub.
func NewAdminHub(log *logging.Logger) *AdminHub {
	return &AdminHub{
		clients: make(map[string]*AdminClient),
		log:     log,
	}
}

// Add registers a connected client.
func (h *AdminHub) Add(c *AdminClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ConnID] = c
	h.log.Info().Str("connId", c.ConnID).Str("client", c.Info.ID).Msg("admin client connected")
}

// Remove unregisters a client.
func (h *AdminHub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, connID)
	h.log.Info().Str("connId", connID).Msg("admin client disconnected")
}

// Get returns a client by connection id.
func (h *AdminHub) Get(connID string) (*AdminClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// Count returns the number of connected clients.
func (h *AdminHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event frame to every client. Sequence numbers increase
// by one per broadcast and are shared by all clients.
func (h *AdminHub) Broadcast(event string, payload any) int64 {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	clients := make([]*AdminClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if len(clients) == 0 {
		return seq
	}
	frame, err := NewEvent(event, payload, seq)
	if err != nil {
		h.log.Warn().Err(err).Str("event", event).Msg("encoding broadcast failed")
		return seq
	}
	for _, c := range clients {
		if err := c.Send(frame); err != nil {
			h.log.Warn().Err(err).Str("connId", c.ConnID).Msg("broadcast send failed")
		}
	}
	return seq
}

// CloseAll closes and forgets every client.
func (h *AdminHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}
