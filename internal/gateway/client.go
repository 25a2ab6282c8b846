package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/soyeahso/omnidesk/internal/logging"
)

// writeWait bounds a single frame write so a stalled socket cannot hold up
// the channel's event mailbox forever.
const writeWait = 10 * time.Second

// Client is one dashboard or CLI connection that completed the handshake.
type Client struct {
	ConnID      string
	Info        ClientInfo
	Socket      *websocket.Conn
	ConnectedAt time.Time

	// events is the listener identity this client subscribes channels under.
	events *eventForwarder

	mu     sync.Mutex
	closed bool
	subs   map[string]struct{}
	log    *logging.Logger
}

// NewClient wraps a WebSocket whose handshake succeeded.
func NewClient(conn *websocket.Conn, info ClientInfo, log *logging.Logger) *Client {
	return &Client{
		ConnID:      uuid.New().String(),
		Info:        info,
		Socket:      conn,
		ConnectedAt: time.Now(),
		subs:        make(map[string]struct{}),
		log:         log,
	}
}

// Send writes a frame. Safe for concurrent use.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Socket.WriteJSON(frame)
}

// SendEvent sends a named event with payload.
func (c *Client) SendEvent(event string, payload any, seq int64) error {
	f, err := NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Respond answers request reqID with payload.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError answers request reqID with an error.
func (c *Client) RespondError(reqID string, errShape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, errShape))
}

// ReadFrame blocks for the next frame.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// track records that the client is subscribed to a channel.
func (c *Client) track(channelID string) {
	c.mu.Lock()
	c.subs[channelID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(channelID string) {
	c.mu.Lock()
	delete(c.subs, channelID)
	c.mu.Unlock()
}

// Subscriptions returns the channel IDs the client is subscribed to, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close closes the socket. Further sends fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.Socket == nil {
		return nil
	}
	return c.Socket.Close()
}

// ClientRegistry tracks connected clients by connection ID.
type ClientRegistry struct {
	clients cmap.ConcurrentMap[string, *Client]
	log     *logging.Logger
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: cmap.New[*Client](),
		log:     log,
	}
}

// Add registers a connected client.
func (r *ClientRegistry) Add(c *Client) {
	r.clients.Set(c.ConnID, c)
	r.log.Info().Str("connId", c.ConnID).Str("client", c.Info.ID).Str("mode", c.Info.Mode).Msg("client connected")
}

// Remove unregisters a client.
func (r *ClientRegistry) Remove(connID string) {
	if _, ok := r.clients.Pop(connID); ok {
		r.log.Info().Str("connId", connID).Msg("client disconnected")
	}
}

// Get returns a client by connection ID.
func (r *ClientRegistry) Get(connID string) (*Client, bool) {
	return r.clients.Get(connID)
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	return r.clients.Count()
}

// Broadcast sends an event to every connected client. Failed sends are
// logged and skipped.
func (r *ClientRegistry) Broadcast(event string, payload any, seq int64) {
	for item := range r.clients.IterBuffered() {
		if err := item.Val.SendEvent(event, payload, seq); err != nil {
			r.log.Warn().Err(err).Str("connId", item.Key).Msg("broadcast send failed")
		}
	}
}

// CloseAll closes and forgets every client.
func (r *ClientRegistry) CloseAll() {
	for _, id := range r.clients.Keys() {
		if c, ok := r.clients.Pop(id); ok {
			c.Close()
		}
	}
}
