package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/metrics"
)

// Publisher delivers an envelope to every device of its user.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// DevicePublisher can also leave out the device that raised an event.
type DevicePublisher interface {
	Publisher
	PublishExcept(ctx context.Context, env Envelope, deviceID string) error
}

// Hub owns the per-user device registry of one process.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	closed bool
	log    zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		users: make(map[string]map[*Client]struct{}),
		log:   log.With().Str("component", "sync_hub").Logger(),
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	metrics.SocketsConnected.Inc()
	return true
}

// unregister reports whether c was still registered, so callers announce a
// disconnect exactly once.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
	}
	metrics.SocketsConnected.Dec()
	return true
}

func (h *Hub) clients(userID string, exceptDevice string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.users[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		if exceptDevice == "" || c.deviceID != exceptDevice {
			out = append(out, c)
		}
	}
	return out
}

// Publish implements Publisher for in-process delivery.
func (h *Hub) Publish(_ context.Context, env Envelope) error {
	h.Broadcast(env)
	return nil
}

func (h *Hub) PublishExcept(_ context.Context, env Envelope, deviceID string) error {
	h.broadcast(env, deviceID)
	return nil
}

// Broadcast sends env to every socket registered for env.UserID and returns
// how many sockets accepted it.
func (h *Hub) Broadcast(env Envelope) int {
	return h.broadcast(env, "")
}

func (h *Hub) broadcast(env Envelope, exceptDevice string) int {
	if env.UserID == "" {
		return 0
	}
	targets := h.clients(env.UserID, exceptDevice)
	if len(targets) == 0 {
		return 0
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(env.Type)).Msg("encode envelope failed")
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if c.enqueue(data) {
			delivered++
			continue
		}
		h.log.Warn().
			Str("user_id", c.userID).
			Str("device_id", c.deviceID).
			Msg("send buffer full, dropping client")
		c.close()
	}
	return delivered
}

// Devices lists the device ids currently connected for userID.
func (h *Hub) Devices(userID string) []string {
	clients := h.clients(userID, "")
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.deviceID)
	}
	return out
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.users {
		n += len(set)
	}
	return n
}

// Close disconnects every client and rejects new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Client
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	h.log.Info().Int("clients", len(all)).Msg("sync hub closed")
}
