package room

import (
	"sync"

	"go.uber.org/zap"

	"code-battle-server/internal/obslog"
)

const outboxSize = 32

// Client is one realtime connection inside a battle room. The transport
// layer drains Outbox; the hub only enqueues, never blocks.
type Client struct {
	GameID string
	Role   string
	User   UserSummary

	mu     sync.Mutex
	out    chan Envelope
	closed bool
}

func NewClient(gameID, role string, user UserSummary) *Client {
	return &Client{
		GameID: gameID,
		Role:   role,
		User:   user,
		out:    make(chan Envelope, outboxSize),
	}
}

// Outbox is the channel the write pump reads from. It is closed when
// the client leaves or falls too far behind.
func (c *Client) Outbox() <-chan Envelope { return c.out }

// Enqueue delivers an event to this client without blocking. A full
// outbox means the reader is not keeping up; the event is dropped and
// the client reported dead.
func (c *Client) Enqueue(e Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- e:
		return true
	default:
		return false
	}
}

// Close shuts the outbox. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

// Hub groups clients into per-game rooms and fans committed state
// events out to them. Everyone asking to observe a battle is admitted;
// authority stays with the game record, not room membership.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{})}
}

// Join adds the client to its game's room.
func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[c.GameID]
	if !ok {
		r = make(map[*Client]struct{})
		h.rooms[c.GameID] = r
	}
	r[c] = struct{}{}
	obslog.L().Debug("room_join",
		zap.String("game_id", c.GameID),
		zap.String("role", c.Role),
		zap.Int("size", len(r)),
	)
}

// Leave removes the client and closes its outbox.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	if r, ok := h.rooms[c.GameID]; ok {
		delete(r, c)
		if len(r) == 0 {
			delete(h.rooms, c.GameID)
		}
	}
	h.mu.Unlock()
	c.Close()
}

// RoomSize reports the number of connected clients for a game.
func (h *Hub) RoomSize(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[gameID])
}

// Broadcast sends an event to every client in the room. Clients whose
// outbox is full are evicted so one stuck reader cannot stall the rest.
func (h *Hub) Broadcast(gameID, event string, payload any) {
	h.send(gameID, event, payload, nil)
}

// BroadcastExcept sends to everyone in the room but the given client.
// Used for code mirroring, where the author already has the text.
func (h *Hub) BroadcastExcept(gameID, event string, payload any, except *Client) {
	h.send(gameID, event, payload, except)
}

func (h *Hub) send(gameID, event string, payload any, except *Client) {
	env := Envelope{Event: event, Data: payload}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[gameID]))
	for c := range h.rooms[gameID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var dead []*Client
	for _, c := range targets {
		if !c.Enqueue(env) {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		obslog.L().Warn("room_drop_slow_client",
			zap.String("game_id", gameID),
			zap.String("role", c.Role),
			zap.String("event", event),
		)
		h.Leave(c)
	}
}
