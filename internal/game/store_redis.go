package game

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ttlGame       = 7 * 24 * time.Hour
	inviteCodeLen = 8
	updateRetries = 3
)

// Store persists Game records as JSON documents in Redis, with
// companion index keys for invite-code lookup, the set of in-progress
// battles, and per-user battle lists.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyGame(id string) string       { return "battle:game:" + strings.TrimSpace(id) }
func (s *Store) keyInvite(code string) string   { return "battle:index:invite:" + strings.TrimSpace(code) }
func (s *Store) keyActive() string              { return "battle:index:active" }
func (s *Store) keyUser(userID string) string   { return "battle:index:user:" + strings.TrimSpace(userID) }

// Create saves a new game and allocates a unique invite code for it.
// The code is claimed with SetNX so two creations can never share one.
func (s *Store) Create(ctx context.Context, g *Game) error {
	if g == nil || strings.TrimSpace(g.ID) == "" {
		return ErrInvalidArgs
	}
	for i := 0; i < 5; i++ {
		code, err := codeGen()
		if err != nil {
			return err
		}
		ok, err := s.rdb.SetNX(ctx, s.keyInvite(code), g.ID, ttlGame).Result()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		g.InviteCode = code
		if err := s.save(ctx, g); err != nil {
			return err
		}
		return s.indexUser(ctx, g.HostID, g.ID)
	}
	return fmt.Errorf("failed to allocate invite code")
}

func (s *Store) save(ctx context.Context, g *Game) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyGame(g.ID), raw, ttlGame).Err()
}

// Load returns the game by id, or nil when it does not exist.
func (s *Store) Load(ctx context.Context, id string) (*Game, error) {
	raw, err := s.rdb.Get(ctx, s.keyGame(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// FindByInvite resolves an invite code to its game.
func (s *Store) FindByInvite(ctx context.Context, code string) (*Game, error) {
	id, err := s.rdb.Get(ctx, s.keyInvite(code)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, id)
}

// Update applies fn to the current record inside a WATCH transaction so
// that two near-simultaneous writers cannot both commit. fn may return
// ErrNoEffect to abort without writing (race loss, idempotent call).
// Conflicting commits are retried a bounded number of times.
func (s *Store) Update(ctx context.Context, id string, fn func(*Game) error) (*Game, error) {
	gameK := s.keyGame(id)
	var out *Game
	for attempt := 0; attempt < updateRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, gameK).Bytes()
			if err == redis.Nil {
				return ErrGameNotFound
			}
			if err != nil {
				return err
			}
			var cur Game
			if jerr := json.Unmarshal(raw, &cur); jerr != nil {
				return jerr
			}
			if err := fn(&cur); err != nil {
				return err
			}
			cur.UpdatedAt = time.Now()
			newRaw, err := json.Marshal(&cur)
			if err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, gameK, newRaw, ttlGame)
			if cur.Status == StatusInProgress {
				pipe.SAdd(ctx, s.keyActive(), cur.ID)
			} else {
				pipe.SRem(ctx, s.keyActive(), cur.ID)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			out = &cur
			return nil
		}, gameK)
		if errors.Is(err, redis.TxFailedErr) {
			// concurrent writer won this round; reload and re-evaluate
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, redis.TxFailedErr
}

// ActiveGames returns every record currently marked in_progress. Used
// by the scheduler's startup reconciliation.
func (s *Store) ActiveGames(ctx context.Context) ([]*Game, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyActive()).Result()
	if err != nil {
		return nil, err
	}
	var out []*Game
	for _, id := range ids {
		g, gerr := s.Load(ctx, id)
		if gerr != nil || g == nil {
			continue
		}
		if g.Status != StatusInProgress {
			// index drifted; repair it
			_ = s.rdb.SRem(ctx, s.keyActive(), id).Err()
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// GamesByUser lists the battles a user has participated in.
func (s *Store) GamesByUser(ctx context.Context, userID string) ([]*Game, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyUser(userID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*Game
	for _, id := range ids {
		g, gerr := s.Load(ctx, id)
		if gerr == nil && g != nil {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) indexUser(ctx context.Context, userID, gameID string) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	key := s.keyUser(userID)
	if err := s.rdb.SAdd(ctx, key, gameID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, ttlGame).Err()
}

// codeGen returns an invite code of 8 upper alnum characters.
func codeGen() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, inviteCodeLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b), nil
}
