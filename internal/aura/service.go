package aura

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"code-battle-server/internal/obslog"
)

// Aura deltas per outcome.
const (
	WinMatch     = 3
	LoseMatch    = -1
	ForfeitMatch = -2
	PassTestCase = 1
)

// Service keeps per-user aura balances in the user:<id> hash. All
// Handle methods swallow errors; scoring must never block or fail a
// game transition.
type Service struct {
	rdb *redis.Client
}

func NewService(rdb *redis.Client) *Service { return &Service{rdb: rdb} }

func keyUser(userID string) string { return "user:" + userID }

// Balance returns the user's current aura. Missing users read as 0.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	v, err := s.rdb.HGet(ctx, keyUser(userID), "aura").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// HandleMatchCompletion credits the winner and debits the loser.
func (s *Service) HandleMatchCompletion(ctx context.Context, winnerID, loserID, reason string) {
	s.adjust(ctx, winnerID, WinMatch, reason)
	s.adjust(ctx, loserID, LoseMatch, reason)
}

// HandleForfeit penalizes the forfeiter beyond a normal loss.
func (s *Service) HandleForfeit(ctx context.Context, forfeiterID, winnerID string) {
	s.adjust(ctx, forfeiterID, ForfeitMatch, "forfeit")
	s.adjust(ctx, winnerID, WinMatch, "forfeit win")
}

// HandleTestProgress credits newly passed test cases only; replays of
// already counted cases earn nothing.
func (s *Service) HandleTestProgress(ctx context.Context, userID string, newlyPassed int) {
	if newlyPassed <= 0 {
		return
	}
	s.adjust(ctx, userID, newlyPassed*PassTestCase, "test cases passed")
}

func (s *Service) adjust(ctx context.Context, userID string, delta int, reason string) {
	if userID == "" || delta == 0 {
		return
	}
	balance, err := s.rdb.HIncrBy(ctx, keyUser(userID), "aura", int64(delta)).Result()
	if err != nil {
		obslog.L().Error("aura_adjust_error",
			zap.String("user_id", userID),
			zap.Int("delta", delta),
			zap.Error(err),
		)
		return
	}
	obslog.L().Info("aura_adjust",
		zap.String("user_id", userID),
		zap.Int("delta", delta),
		zap.Int64("balance", balance),
		zap.String("reason", reason),
	)
}
