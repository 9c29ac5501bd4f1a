package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	ErrSendBufferFull   = errors.New("connection send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)

// Client is one live realtime connection as seen by the Hub.
type Client interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

type Config struct {
	// IdleTimeout drops connections that sent nothing for this long.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:   60 * time.Second,
		SweepInterval: 15 * time.Second,
	}
}

type entry struct {
	client      Client
	connectedAt time.Time
	lastSeen    time.Time
}

// Hub tracks live connections and fans messages out to all of them. It is
// best-effort: nothing is buffered for absent clients.
type Hub struct {
	mu      sync.Mutex
	conns   map[string]*entry
	clock   clockwork.Clock
	config  Config
	metrics metrics.Collector
}

func New(cfg Config, clock clockwork.Clock, m metrics.Collector) *Hub {
	d := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	return &Hub{
		conns:   make(map[string]*entry),
		clock:   clock,
		config:  cfg,
		metrics: m,
	}
}

// Register adds c to the live set.
func (h *Hub) Register(c Client) {
	now := h.clock.Now()

	h.mu.Lock()
	h.conns[c.ID()] = &entry{client: c, connectedAt: now, lastSeen: now}
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetConnections(n)
	log.Debug().Str("connection_id", c.ID()).Int("total_connections", n).Msg("connection registered")
}

// Unregister removes and closes the connection. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	e, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	n := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}
	_ = e.client.Close()
	h.metrics.SetConnections(n)
	log.Info().Str("connection_id", id).Msg("connection unregistered")
}

// Touch records activity from the client.
func (h *Hub) Touch(id string) {
	now := h.clock.Now()

	h.mu.Lock()
	if e, ok := h.conns[id]; ok {
		e.lastSeen = now
	}
	h.mu.Unlock()
}

type BroadcastResult struct {
	Delivered int
	Pruned    int
}

// Broadcast sends msg to every connection registered when the call starts.
// Connections whose send fails are removed before Broadcast returns.
func (h *Hub) Broadcast(msg []byte) BroadcastResult {
	h.mu.Lock()
	targets := make([]Client, 0, len(h.conns))
	for _, e := range h.conns {
		targets = append(targets, e.client)
	}
	h.mu.Unlock()

	var res BroadcastResult
	var dead []string
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID()).Msg("dropping connection after failed send")
			dead = append(dead, c.ID())
			continue
		}
		res.Delivered++
	}

	res.Pruned = h.prune(dead)
	return res
}

// BroadcastJSON marshals v once and broadcasts it.
func (h *Hub) BroadcastJSON(v any) (BroadcastResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return BroadcastResult{}, err
	}
	return h.Broadcast(b), nil
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Stats is served on the stats endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	var oldest time.Time
	for _, e := range h.conns {
		if oldest.IsZero() || e.connectedAt.Before(oldest) {
			oldest = e.connectedAt
		}
	}
	stats := map[string]any{"total_connections": len(h.conns)}
	if !oldest.IsZero() {
		stats["oldest_connected_at"] = oldest
	}
	return stats
}

// Sweep drops connections idle for longer than IdleTimeout.
func (h *Hub) Sweep() int {
	cutoff := h.clock.Now().Add(-h.config.IdleTimeout)

	h.mu.Lock()
	var idle []string
	for id, e := range h.conns {
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	h.mu.Unlock()

	if len(idle) > 0 {
		log.Info().Int("connections", len(idle)).Dur("idle_timeout", h.config.IdleTimeout).Msg("dropping idle connections")
	}
	return h.prune(idle)
}

// Run sweeps idle connections until ctx is done, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.Chan():
			h.Sweep()
		}
	}
}

func (h *Hub) prune(ids []string) int {
	if len(ids) == 0 {
		return 0
	}

	h.mu.Lock()
	removed := make([]Client, 0, len(ids))
	for _, id := range ids {
		if e, ok := h.conns[id]; ok {
			delete(h.conns, id)
			removed = append(removed, e.client)
		}
	}
	n := len(h.conns)
	h.mu.Unlock()

	for _, c := range removed {
		_ = c.Close()
	}
	if len(removed) > 0 {
		h.metrics.RecordPruned(len(removed))
		h.metrics.SetConnections(n)
	}
	return len(removed)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	h.prune(ids)
}
