package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"gitlab.com/voxline/services/backend/internal/auth"
	"gitlab.com/voxline/services/backend/internal/models"
	"gitlab.com/voxline/services/backend/internal/ratelimit"
)

const writeWait = 10 * time.Second

var knownEventTypes = map[string]bool{
	models.EventCallEvent:    true,
	models.EventNotification: true,
}

// Authenticator resolves the bearer credential of a connect request.
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Claims, error)
}

// ConnectLimiter throttles connection attempts per account.
type ConnectLimiter interface {
	CheckConnect(ctx context.Context, accountID string, limit int, window time.Duration) error
}

// SocketOptions configures the /ws endpoint.
type SocketOptions struct {
	PingInterval  time.Duration
	PongWait      time.Duration
	SendBuffer    int
	ConnectLimit  int
	ConnectWindow time.Duration
}

// SocketHandler upgrades authenticated dashboard connections and registers
// them with the hub.
type SocketHandler struct {
	hub      *Hub
	auth     Authenticator
	limiter  ConnectLimiter
	opts     SocketOptions
	upgrader websocket.Upgrader
}

// NewSocketHandler creates the /ws handler. limiter may be nil.
func NewSocketHandler(hub *Hub, authenticator Authenticator, limiter ConnectLimiter, opts SocketOptions) *SocketHandler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 54 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	return &SocketHandler{
		hub:     hub,
		auth:    authenticator,
		limiter: limiter,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // dashboards are served from several origins
			},
		},
	}
}

func (s *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.CheckConnect(r.Context(), claims.AccountID, s.opts.ConnectLimit, s.opts.ConnectWindow); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				http.Error(w, "Too many connections", http.StatusTooManyRequests)
				return
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade to WebSocket")
		return
	}

	client := NewClient(claims.AccountID, claims.UserID(), conn, s.opts.SendBuffer)
	s.hub.Subscribe(client, parseEventTypes(r.URL.Query().Get("events")))
	s.sendSubscribed(client)

	go s.WritePump(client)
	go s.ReadPump(client)
}

func parseEventTypes(raw string) []string {
	var types []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if knownEventTypes[t] {
			types = append(types, t)
		}
	}
	return types
}

func (s *SocketHandler) sendSubscribed(c *Client) {
	s.sendMessage(c, models.MsgSubscribed, c.Subscription())
}

func (s *SocketHandler) sendMessage(c *Client, msgType string, content interface{}) {
	msg, err := models.NewWSMessage(msgType, content)
	if err != nil {
		log.WithError(err).Warn("Failed to build message")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Warn("Failed to marshal message")
		return
	}
	if !c.enqueue(data) {
		log.Warnf("Client send channel full: %s", c.short())
	}
}

// HandleMessage processes one client frame.
func (s *SocketHandler) HandleMessage(c *Client, message []byte) {
	c.touch(s.hub.now())

	var msg models.WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.WithError(err).Debug("Failed to unmarshal client message")
		s.sendMessage(c, models.MsgError, map[string]string{"error": "invalid message"})
		return
	}

	switch msg.Type {
	case models.MsgPing:
		s.sendMessage(c, models.MsgPong, nil)

	case models.MsgSubscribe:
		var req models.SubscribeRequest
		if len(msg.Content) > 0 {
			if err := json.Unmarshal(msg.Content, &req); err != nil {
				s.sendMessage(c, models.MsgError, map[string]string{"error": "invalid subscribe content"})
				return
			}
		}
		var types []string
		for _, t := range req.EventTypes {
			if knownEventTypes[t] {
				types = append(types, t)
			}
		}
		// An empty filter means everything, so a request naming only
		// unknown types keeps the current one.
		if len(req.EventTypes) > 0 && len(types) == 0 {
			s.sendMessage(c, models.MsgError, map[string]string{"error": "unknown event types"})
			return
		}
		c.setEventTypes(types)
		s.sendSubscribed(c)

	default:
		log.Debugf("Unknown message type: %s", msg.Type)
		s.sendMessage(c, models.MsgError, map[string]string{"error": "unknown message type"})
	}
}

// WritePump handles writing messages to the WebSocket
func (s *SocketHandler) WritePump(c *Client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump handles reading messages from the WebSocket
func (s *SocketHandler) ReadPump(c *Client) {
	defer func() {
		s.hub.Unsubscribe(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.touch(s.hub.now())
		c.Conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("WebSocket error")
			}
			break
		}

		c.Conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		s.HandleMessage(c, message)
	}
}
