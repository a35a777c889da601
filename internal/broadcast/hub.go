package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gitlab.com/voxline/services/backend/internal/logger"
	"gitlab.com/voxline/services/backend/internal/models"
)

var log = logger.For("Broadcast")

const channelPrefix = "callevents:"

// Options configures a Hub.
type Options struct {
	// StaleAfter is how long a client may stay silent before it is pruned
	// on the next broadcast to its account. Zero disables pruning.
	StaleAfter time.Duration
	// Redis enables cross-instance fan-out. When nil, delivery is local.
	Redis *redis.Client
	Now   func() time.Time
}

// Hub holds the live subscriptions, grouped by account. Delivery is
// best-effort and at-most-once: nothing is queued for absent or slow
// clients.
type Hub struct {
	accounts map[string]map[string]*Client
	mu       sync.RWMutex
	redis    *redis.Client
	opts     Options
	now      func() time.Time
}

func NewHub(opts Options) *Hub {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		accounts: make(map[string]map[string]*Client),
		redis:    opts.Redis,
		opts:     opts,
		now:      now,
	}
}

// relayEnvelope is what travels over Redis between instances.
type relayEnvelope struct {
	EventType string          `json:"event_type"`
	Message   json.RawMessage `json:"message"`
}

// Start subscribes to the Redis relay channel and returns once the
// subscription is confirmed. The relay loop stops when ctx is done.
// Without Redis it returns immediately.
func (h *Hub) Start(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}

	pubsub := h.redis.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}

	go h.relay(ctx, pubsub)
	log.Info("Redis relay subscribed")
	return nil
}

func (h *Hub) relay(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			accountID := strings.TrimPrefix(msg.Channel, channelPrefix)

			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.WithError(err).Warn("Failed to unmarshal relay message")
				continue
			}
			h.deliver(accountID, env.EventType, env.Message)
		}
	}
}

// Subscribe adds a subscription for c. An empty eventTypes accepts all.
func (h *Hub) Subscribe(c *Client, eventTypes []string) {
	c.setEventTypes(eventTypes)
	c.touch(h.now())

	h.mu.Lock()
	clients, ok := h.accounts[c.AccountID]
	if !ok {
		clients = make(map[string]*Client)
		h.accounts[c.AccountID] = clients
	}
	clients[c.ID] = c
	h.mu.Unlock()

	log.WithField("account_id", c.AccountID).Infof("Client %s subscribed", c.short())
}

// Unsubscribe removes c and closes its send queue. Safe to call twice.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	removed := false
	if clients, ok := h.accounts[c.AccountID]; ok {
		if _, ok := clients[c.ID]; ok {
			delete(clients, c.ID)
			removed = true
		}
		if len(clients) == 0 {
			delete(h.accounts, c.AccountID)
		}
	}
	h.mu.Unlock()

	c.close()

	if removed {
		log.WithField("account_id", c.AccountID).Infof("Client %s removed", c.short())
	}
}

// Subscriptions lists the active subscriptions of an account.
func (h *Hub) Subscriptions(accountID string) []models.Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := make([]models.Subscription, 0, len(h.accounts[accountID]))
	for _, c := range h.accounts[accountID] {
		subs = append(subs, c.Subscription())
	}
	return subs
}

// ConnectionCount returns the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, clients := range h.accounts {
		n += len(clients)
	}
	return n
}

// Publish sends a call event to the dashboards of its account.
func (h *Hub) Publish(ctx context.Context, evt models.CallEvent) error {
	if evt.AccountID == "" {
		return fmt.Errorf("call event %s has no account", evt.ID)
	}
	return h.send(ctx, evt.AccountID, models.MsgCallEvent, evt)
}

// Notify sends a notification record to the dashboards of accountID.
func (h *Hub) Notify(ctx context.Context, accountID string, rec models.NotificationRecord) error {
	if accountID == "" {
		return fmt.Errorf("notification %s has no account", rec.ID)
	}
	return h.send(ctx, accountID, models.MsgNotification, rec)
}

func (h *Hub) send(ctx context.Context, accountID, eventType string, content interface{}) error {
	msg, err := models.NewWSMessage(eventType, content)
	if err != nil {
		return fmt.Errorf("failed to build %s message: %w", eventType, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", eventType, err)
	}

	if h.redis == nil {
		h.deliver(accountID, eventType, data)
		return nil
	}

	env, err := json.Marshal(relayEnvelope{EventType: eventType, Message: data})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := h.redis.Publish(ctx, channelPrefix+accountID, env).Err(); err != nil {
		return fmt.Errorf("failed to publish to relay: %w", err)
	}
	return nil
}

// deliver pushes data to every live client of accountID that wants
// eventType. Stale clients found on the way are pruned.
func (h *Hub) deliver(accountID, eventType string, data []byte) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.accounts[accountID]))
	for _, c := range h.accounts[accountID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	now := h.now()
	delivered := 0
	for _, c := range clients {
		if c.stale(now, h.opts.StaleAfter) {
			log.WithField("account_id", accountID).Infof("Pruning stale client %s", c.short())
			h.Unsubscribe(c)
			continue
		}
		if !c.wants(eventType) {
			continue
		}
		if c.enqueue(data) {
			delivered++
		} else {
			log.WithField("account_id", accountID).Warnf("Client send channel full: %s", c.short())
		}
	}
	return delivered
}

// Close removes every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Client
	for _, clients := range h.accounts {
		for _, c := range clients {
			all = append(all, c)
		}
	}
	h.accounts = make(map[string]map[string]*Client)
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}
