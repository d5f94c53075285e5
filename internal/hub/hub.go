// Package hub fans accepted telemetry frames out to monitor clients without
// ever blocking the acquisition loop.
package hub

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

// Policy decides what happens to a client whose queue is full.
type Policy int

const (
	PolicyDrop Policy = iota // drop the frame for that client
	PolicyKick               // disconnect the client
)

func (p Policy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown hub policy %q (use drop|kick)", s)
}

const DefaultClientBuffer = 512

// Client is one monitor connection's outbound queue.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = DefaultClientBuffer
	}
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed; idempotent.
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	log     *slog.Logger

	ClientBuffer int
	Policy       Policy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), log: logging.L()} }

// SetLogger replaces the hub logger; nil keeps the current one.
func (h *Hub) SetLogger(l *slog.Logger) {
	if l != nil {
		h.log = l
	}
}

// Attach allocates a client sized by ClientBuffer and registers it.
func (h *Hub) Attach() *Client {
	c := NewClient(h.ClientBuffer)
	h.Add(c)
	return c
}

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		h.log.Info("monitor_first_client")
	}
}

// Remove unregisters c and closes it; safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(n)
	if existed && n == 0 {
		h.log.Info("monitor_last_client")
	}
}

// Publish queues fr on every client and returns how many accepted it.
func (h *Hub) Publish(fr can.Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.clients {
		select {
		case c.Out <- fr:
			delivered++
			continue
		default:
		}
		if h.Policy == PolicyKick {
			metrics.IncHubKick()
			c.Close()
		} else {
			metrics.IncHubDrop()
		}
	}
	return delivered
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
