package codecache

import (
	"sync"
	"time"
)

// entry holds the live editor text for one battle.
type entry struct {
	hostCode       string
	challengerCode string
	updatedAt      time.Time
}

// Cache is the hot tier for in-battle code mirroring. Lossy on restart;
// callers fall back to the last durably saved code on a miss.
type Cache struct {
	mu    sync.Mutex
	games map[string]*entry
}

func New() *Cache {
	return &Cache{games: make(map[string]*entry)}
}

// Init seeds both slots with the starter code for the battle's problem.
// Existing entries are left untouched.
func (c *Cache) Init(gameID, starter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.games[gameID]; ok {
		return
	}
	c.games[gameID] = &entry{hostCode: starter, challengerCode: starter, updatedAt: time.Now()}
}

// SetCode overwrites one role's slot. Unknown roles are ignored.
func (c *Cache) SetCode(gameID, role, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.games[gameID]
	if !ok {
		e = &entry{}
		c.games[gameID] = e
	}
	switch role {
	case "host":
		e.hostCode = code
	case "challenger":
		e.challengerCode = code
	default:
		return
	}
	e.updatedAt = time.Now()
}

// Codes returns both slots. ok=false signals a cold cache; the caller
// should fall back to the persisted record.
func (c *Cache) Codes(gameID string) (host, challenger string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.games[gameID]
	if !found {
		return "", "", false
	}
	return e.hostCode, e.challengerCode, true
}

// Cleanup drops a finished battle's entry.
func (c *Cache) Cleanup(gameID string) {
	c.mu.Lock()
	delete(c.games, gameID)
	c.mu.Unlock()
}
