package server

import (
	"encoding/json"
	"sync"

	"github.com/decred/slog"
)

// outboxSize bounds the messages queued for one slow connection.
const outboxSize = 32

// conn is one player connection registered with the hub.
type conn struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn() *conn {
	return &conn{send: make(chan []byte, outboxSize), done: make(chan struct{})}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks the live connections of every player.
type Hub struct {
	log   slog.Logger
	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

// NewHub returns an empty hub.
func NewHub(log slog.Logger) *Hub {
	return &Hub{log: log, conns: make(map[string]map[*conn]struct{})}
}

func (h *Hub) register(playerID string) *conn {
	c := newConn()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[playerID] == nil {
		h.conns[playerID] = make(map[*conn]struct{})
	}
	h.conns[playerID][c] = struct{}{}
	return c
}

func (h *Hub) unregister(playerID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.conns[playerID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, playerID)
		}
	}
	c.close()
}

// Connected returns the number of open connections of playerID.
func (h *Hub) Connected(playerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[playerID])
}

// SendToPlayer queues msg on every connection of playerID and returns how
// many accepted it. A connection whose outbox is full misses the message.
func (h *Hub) SendToPlayer(playerID string, msg *Message) int {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Failed to encode %s notification: %v", msg.Type, err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.conns[playerID] {
		select {
		case <-c.done:
			continue
		case c.send <- b:
			n++
		default:
			h.log.Warnf("Outbox full for player %s, dropping %s", playerID, msg.Type)
		}
	}
	return n
}
