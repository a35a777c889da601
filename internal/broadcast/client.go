package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gitlab.com/voxline/services/backend/internal/models"
)

// Client is one authenticated dashboard connection.
type Client struct {
	ID        string
	UserID    string
	AccountID string
	Conn      *websocket.Conn
	Send      chan []byte

	mu         sync.Mutex
	eventTypes []string
	lastSeen   time.Time
	closed     bool
}

// NewClient creates a client with a buffered send queue. conn may be nil
// for in-process subscribers.
func NewClient(accountID, userID string, conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:        uuid.New().String(),
		UserID:    userID,
		AccountID: accountID,
		Conn:      conn,
		Send:      make(chan []byte, buffer),
	}
}

// Subscription returns the client's current interest registration.
func (c *Client) Subscription() models.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.Subscription{
		ConnectionID: c.ID,
		AccountID:    c.AccountID,
		EventTypes:   append([]string(nil), c.eventTypes...),
	}
}

func (c *Client) setEventTypes(types []string) {
	c.mu.Lock()
	c.eventTypes = append([]string(nil), types...)
	c.mu.Unlock()
}

func (c *Client) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.Subscription{EventTypes: c.eventTypes}.Wants(eventType)
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Client) stale(now time.Time, after time.Duration) bool {
	if after <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen) > after
}

// enqueue is a non-blocking send. It reports false when the client is
// closed or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// close closes the send queue once; the write pump then sends a close
// frame and drops the connection.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

func (c *Client) short() string {
	if len(c.ID) > 8 {
		return c.ID[:8]
	}
	return c.ID
}
