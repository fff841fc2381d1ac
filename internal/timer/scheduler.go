package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"code-battle-server/internal/obslog"
)

const (
	fireAttempts   = 3
	fireBackoff    = time.Second
	fireTimeout    = 30 * time.Second
	resumeParallel = 8

	// gocron rejects one-time jobs whose start is already in the past,
	// so delays this close to now are fired directly instead
	scheduleEpsilon = 100 * time.Millisecond
)

// Handler finalizes one expired battle. It must be safe to invoke for a
// battle that already ended; the engine treats that as a no-op.
type Handler func(ctx context.Context, gameID string) error

// PendingExpiry is what a lister reports for one running battle during
// startup reconciliation.
type PendingExpiry struct {
	GameID    string
	StartedAt time.Time
	TimeLimit int // seconds
}

// Scheduler keeps at most one pending expiration job per battle, backed
// by gocron one-time jobs. Jobs are tagged with the game id so they can
// be replaced or removed without tracking job handles.
type Scheduler struct {
	mu      sync.Mutex
	sched   gocron.Scheduler
	handler Handler
}

func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	s.Start()
	return &Scheduler{sched: s}, nil
}

// SetHandler must be called before any job can fire.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func tagFor(gameID string) string { return "battle:" + gameID }

// Schedule registers the expiration for gameID after delay, replacing
// any job already pending for the same battle.
func (s *Scheduler) Schedule(gameID string, delay time.Duration) error {
	if gameID == "" {
		return fmt.Errorf("empty game id")
	}
	s.mu.Lock()
	s.sched.RemoveByTags(tagFor(gameID))
	if delay < scheduleEpsilon {
		s.mu.Unlock()
		obslog.L().Debug("timer_schedule_immediate", zap.String("game_id", gameID))
		go s.fire(gameID)
		return nil
	}
	defer s.mu.Unlock()
	_, err := s.sched.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(func() { s.fire(gameID) }),
		gocron.WithTags(tagFor(gameID)),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", gameID, err)
	}
	obslog.L().Debug("timer_schedule", zap.String("game_id", gameID), zap.Duration("delay", delay))
	return nil
}

// Cancel removes the pending job for gameID, reporting whether one
// existed. Best effort: a job already executing is not interrupted.
func (s *Scheduler) Cancel(gameID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := tagFor(gameID)
	found := false
	for _, j := range s.sched.Jobs() {
		for _, t := range j.Tags() {
			if t == tag {
				found = true
			}
		}
	}
	s.sched.RemoveByTags(tag)
	if found {
		obslog.L().Debug("timer_cancel", zap.String("game_id", gameID))
	}
	return found
}

// fire drives the handler with bounded retries. The handler owns the
// no-op check for battles that ended before the timer ran.
func (s *Scheduler) fire(gameID string) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		obslog.L().Error("timer_fire_no_handler", zap.String("game_id", gameID))
		return
	}
	var lastErr error
	for attempt := 0; attempt < fireAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(fireBackoff << (attempt - 1))
		}
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		lastErr = h(ctx, gameID)
		cancel()
		if lastErr == nil {
			return
		}
		obslog.L().Warn("timer_fire_retry",
			zap.String("game_id", gameID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	obslog.L().Error("timer_fire_failed",
		zap.String("game_id", gameID),
		zap.Int("attempts", fireAttempts),
		zap.Error(lastErr),
	)
}

// ResumeAll reconciles the scheduler with the store after a restart.
// Battles whose limit already elapsed are finalized immediately with
// bounded concurrency; the rest are rescheduled with their remaining
// time.
func (s *Scheduler) ResumeAll(ctx context.Context, lister func(ctx context.Context) ([]PendingExpiry, error)) error {
	pending, err := lister(ctx)
	if err != nil {
		return fmt.Errorf("list pending expiries: %w", err)
	}
	var g errgroup.Group
	g.SetLimit(resumeParallel)
	rescheduled, expired := 0, 0
	for _, p := range pending {
		deadline := p.StartedAt.Add(time.Duration(p.TimeLimit) * time.Second)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			expired++
			gameID := p.GameID
			g.Go(func() error {
				s.fire(gameID)
				return nil
			})
			continue
		}
		rescheduled++
		if err := s.Schedule(p.GameID, remaining); err != nil {
			obslog.L().Error("timer_resume_error", zap.String("game_id", p.GameID), zap.Error(err))
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	obslog.L().Info("timer_resume",
		zap.Int("rescheduled", rescheduled),
		zap.Int("expired", expired),
	)
	return nil
}

// Shutdown stops the scheduler and drops all pending jobs.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
