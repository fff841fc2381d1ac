package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"code-battle-server/internal/obslog"
	"code-battle-server/internal/room"
)

// Scheduler registers the single delayed expiration per running battle.
type Scheduler interface {
	Schedule(gameID string, delay time.Duration) error
	Cancel(gameID string) bool
}

// Notifier fans a committed mutation out to the battle's room.
type Notifier interface {
	Broadcast(gameID, event string, payload any)
}

// Ledger applies aura adjustments. Implementations must never fail the
// transition path; errors are logged and swallowed inside.
type Ledger interface {
	HandleMatchCompletion(ctx context.Context, winnerID, loserID, reason string)
	HandleForfeit(ctx context.Context, forfeiterID, winnerID string)
	HandleTestProgress(ctx context.Context, userID string, newlyPassed int)
}

// Cleaner releases per-battle resources once a battle is terminal, no
// matter which path ended it.
type Cleaner interface {
	Cleanup(gameID string)
}

// Manager is the battle state machine. It is the single writer of
// terminal fields (Result, CompletedAt, Status=completed) and every
// transition goes through the store's WATCH-guarded read-modify-write.
type Manager struct {
	store   *Store
	sched   Scheduler
	notify  Notifier
	ledger  Ledger
	history *Repository
	cleaner Cleaner
}

func NewManager(store *Store, sched Scheduler, notify Notifier, ledger Ledger) *Manager {
	return &Manager{store: store, sched: sched, notify: notify, ledger: ledger}
}

// AttachHistory wires an optional database repository for final results.
func (m *Manager) AttachHistory(r *Repository) {
	if m != nil {
		m.history = r
	}
}

// AttachCleaner wires the hook invoked on every terminal transition,
// typically the progress cache.
func (m *Manager) AttachCleaner(c Cleaner) {
	if m != nil {
		m.cleaner = c
	}
}

// Create allocates a new battle in the waiting state with a fresh
// invite code.
func (m *Manager) Create(ctx context.Context, hostID, difficulty, problemID string, timeLimit int) (*Game, error) {
	if strings.TrimSpace(hostID) == "" || strings.TrimSpace(problemID) == "" || timeLimit <= 0 {
		return nil, ErrInvalidArgs
	}
	now := time.Now()
	g := &Game{
		ID:         uuid.NewString(),
		HostID:     strings.TrimSpace(hostID),
		Status:     StatusWaiting,
		Difficulty: strings.TrimSpace(difficulty),
		ProblemID:  strings.TrimSpace(problemID),
		TimeLimit:  timeLimit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Create(ctx, g); err != nil {
		return nil, err
	}
	obslog.L().Info("battle_create",
		zap.String("game_id", g.ID),
		zap.String("host_id", g.HostID),
		zap.String("difficulty", g.Difficulty),
		zap.Int("time_limit", g.TimeLimit),
	)
	return g, nil
}

// Get loads a battle by id.
func (m *Manager) Get(ctx context.Context, gameID string) (*Game, error) {
	g, err := m.store.Load(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGameNotFound
	}
	return g, nil
}

// GamesByUser lists battles the user has participated in.
func (m *Manager) GamesByUser(ctx context.Context, userID string) ([]*Game, error) {
	return m.store.GamesByUser(ctx, userID)
}

// ActiveGames exposes the in-progress set for scheduler reconciliation.
func (m *Manager) ActiveGames(ctx context.Context) ([]*Game, error) {
	return m.store.ActiveGames(ctx)
}

// Join admits a user into a battle. The host and a returning challenger
// re-join idempotently; a new user needs the matching invite code and a
// vacant challenger slot, otherwise the attempt resolves to spectator.
// Joining a finished battle returns the caller's historical role
// without mutation.
func (m *Manager) Join(ctx context.Context, gameID, userID, inviteCode string) (*JoinOutcome, error) {
	if strings.TrimSpace(gameID) == "" || strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgs
	}
	g, err := m.store.Load(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGameNotFound
	}
	if g.Status.Terminal() {
		return &JoinOutcome{Role: g.RoleOf(userID), Joined: false, Message: "Game already finished"}, nil
	}

	switch {
	case g.HostID == userID:
		_, uerr := m.store.Update(ctx, gameID, func(cur *Game) error {
			if cur.Status.Terminal() {
				return ErrNoEffect
			}
			cur.HostJoined = true
			return nil
		})
		if errors.Is(uerr, ErrNoEffect) {
			// completed between the load above and the write
			return &JoinOutcome{Role: RoleHost, Joined: false, Message: "Game already finished"}, nil
		}
		if uerr != nil {
			return nil, uerr
		}
		m.broadcast(gameID, room.EventPlayerJoined, room.PlayerJoinedPayload{Role: string(RoleHost), UserID: userID})
		return &JoinOutcome{Role: RoleHost, Joined: true, Message: "Host has joined the game"}, nil

	case g.ChallengerID == userID:
		var finished bool
		_, uerr := m.store.Update(ctx, gameID, func(cur *Game) error {
			if cur.Status.Terminal() {
				finished = true
				return ErrNoEffect
			}
			if cur.ChallengerID != userID {
				return ErrNoEffect
			}
			cur.ChallengerJoined = true
			return nil
		})
		if errors.Is(uerr, ErrNoEffect) {
			if finished {
				return &JoinOutcome{Role: RoleChallenger, Joined: false, Message: "Game already finished"}, nil
			}
			// slot was vacated concurrently; caller is a spectator now
			return &JoinOutcome{Role: RoleSpectator, Joined: false, Message: "Challenger slot no longer yours"}, nil
		}
		if uerr != nil {
			return nil, uerr
		}
		m.broadcast(gameID, room.EventPlayerJoined, room.PlayerJoinedPayload{Role: string(RoleChallenger), UserID: userID})
		return &JoinOutcome{Role: RoleChallenger, Joined: true, Message: "You are already a challenger in this game"}, nil
	}

	if g.ChallengerID != "" {
		return &JoinOutcome{Role: RoleSpectator, Joined: false, Message: "Someone has already joined as challenger. You can spectate instead."}, nil
	}
	if inviteCode == "" || inviteCode != g.InviteCode {
		return &JoinOutcome{Role: RoleSpectator, Joined: false, Message: "Invalid invite code. Joined as spectator."}, nil
	}

	_, err = m.store.Update(ctx, gameID, func(cur *Game) error {
		if cur.Status.Terminal() {
			return ErrNoEffect
		}
		if cur.ChallengerID != "" && cur.ChallengerID != userID {
			return ErrNoEffect
		}
		cur.ChallengerID = userID
		cur.ChallengerJoined = true
		return nil
	})
	if errors.Is(err, ErrNoEffect) {
		return &JoinOutcome{Role: RoleSpectator, Joined: false, Message: "Someone has already joined as challenger. You can spectate instead."}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.store.indexUser(ctx, userID, gameID); err != nil {
		obslog.L().Warn("battle_join_index_error", zap.String("game_id", gameID), zap.Error(err))
	}
	obslog.L().Info("battle_join",
		zap.String("game_id", gameID),
		zap.String("user_id", userID),
		zap.String("role", string(RoleChallenger)),
	)
	m.broadcast(gameID, room.EventPlayerJoined, room.PlayerJoinedPayload{Role: string(RoleChallenger), UserID: userID})
	return &JoinOutcome{Role: RoleChallenger, Joined: true, Message: "Successfully joined as challenger"}, nil
}

// ChallengerQuit vacates the challenger slot before the battle starts,
// returning the game to a fresh waiting state.
func (m *Manager) ChallengerQuit(ctx context.Context, gameID, userID string) (*Game, error) {
	g, err := m.store.Update(ctx, gameID, func(cur *Game) error {
		if cur.Status != StatusWaiting && cur.Status != StatusReadyToStart {
			return ErrBadState
		}
		if cur.ChallengerID != userID {
			return ErrNotChallenger
		}
		cur.ChallengerID = ""
		cur.ChallengerJoined = false
		cur.Status = StatusWaiting
		return nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("battle_challenger_quit", zap.String("game_id", gameID), zap.String("user_id", userID))
	m.broadcast(gameID, room.EventChallengerQuit, room.ChallengerQuitPayload{UserID: userID})
	return g, nil
}

// StartBattle confirms mutual readiness. Host only, both sides joined.
// No timer runs yet; the countdown begins on ChallengerReady.
func (m *Manager) StartBattle(ctx context.Context, gameID, hostID string) (*Game, error) {
	g, err := m.store.Update(ctx, gameID, func(cur *Game) error {
		if cur.Status != StatusWaiting {
			return ErrBadState
		}
		if cur.HostID != hostID {
			return ErrNotHost
		}
		if !cur.HostJoined || !cur.ChallengerJoined {
			return ErrPlayersNotJoined
		}
		cur.Status = StatusReadyToStart
		return nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("battle_ready_to_start", zap.String("game_id", gameID))
	m.broadcast(gameID, room.EventBattleStarted, room.BattleStartedPayload{UserID: hostID})
	return g, nil
}

// ChallengerReady moves the battle into in_progress, stamps StartedAt
// exactly once and registers the expiration task. The broadcast carries
// StartedAt/TimeLimit so both clients render the same countdown.
func (m *Manager) ChallengerReady(ctx context.Context, gameID, userID string) (*Game, error) {
	g, err := m.store.Update(ctx, gameID, func(cur *Game) error {
		if cur.Status != StatusReadyToStart {
			return ErrBadState
		}
		if cur.ChallengerID != userID {
			return ErrNotChallenger
		}
		now := time.Now()
		cur.StartedAt = &now
		cur.Status = StatusInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("battle_start",
		zap.String("game_id", gameID),
		zap.Time("started_at", *g.StartedAt),
		zap.Int("time_limit", g.TimeLimit),
	)
	m.broadcast(gameID, room.EventGameInProgress, room.GameInProgressPayload{StartedAt: *g.StartedAt, TimeLimit: g.TimeLimit})
	if m.sched != nil {
		if serr := m.sched.Schedule(gameID, time.Duration(g.TimeLimit)*time.Second); serr != nil {
			// the transition is committed; restart reconciliation will
			// recover the timer, but the caller should know
			obslog.L().Error("battle_schedule_error", zap.String("game_id", gameID), zap.Error(serr))
			return g, fmt.Errorf("schedule expiration: %w", serr)
		}
	}
	return g, nil
}

// RecordTestProgress applies an evaluation result for a participant.
// The role is re-derived from the record, counters only ever move up,
// and a full solve completes the battle inside the same write so there
// is no window where a solved game is still in_progress.
// A nil Progress with nil error means the call had no effect.
func (m *Manager) RecordTestProgress(ctx context.Context, gameID, userID string, passed, total int, source string) (*Progress, error) {
	if strings.TrimSpace(gameID) == "" || strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgs
	}
	if total <= 0 || passed < 0 || passed > total {
		return nil, ErrInvalidArgs
	}

	var p Progress
	g, err := m.store.Update(ctx, gameID, func(cur *Game) error {
		if cur.Status != StatusInProgress {
			return ErrNoEffect
		}
		role := cur.RoleOf(userID)
		if role == RoleSpectator {
			return ErrNoEffect
		}
		p = Progress{Role: role, Total: total}

		if source != "" {
			if role == RoleHost {
				cur.HostCode = source
			} else {
				cur.ChallengerCode = source
			}
		}

		prev := cur.HostTestsPassed
		if role == RoleChallenger {
			prev = cur.ChallengerTestsPassed
		}
		p.Passed = prev
		if passed > prev {
			p.Delta = passed - prev
			p.Passed = passed
			if role == RoleHost {
				cur.HostTestsPassed = passed
			} else {
				cur.ChallengerTestsPassed = passed
			}
		}
		p.AllPassed = p.Passed == total

		if passed == total && passed > prev {
			now := time.Now()
			cur.Result = &Result{
				Reason:  ReasonCompleted,
				Winner:  userID,
				Message: fmt.Sprintf("All %d test cases passed. %s wins!", total, strings.ToUpper(string(role)[:1])+string(role)[1:]),
			}
			cur.CompletedAt = &now
			cur.Status = StatusCompleted
			p.Finished = true
		}
		return nil
	})
	if errors.Is(err, ErrNoEffect) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Game = g

	if p.Delta > 0 && m.ledger != nil {
		m.ledger.HandleTestProgress(ctx, userID, p.Delta)
	}
	m.broadcast(gameID, room.EventTestProgressUpdate, room.TestProgressUpdatePayload{
		Role:           string(p.Role),
		PassedTests:    p.Passed,
		TotalTests:     p.Total,
		AllTestsPassed: p.AllPassed,
	})
	if p.Finished {
		if m.sched != nil {
			m.sched.Cancel(gameID)
		}
		m.cleanup(gameID)
		if loser := g.Opponent(userID); loser != "" && m.ledger != nil {
			m.ledger.HandleMatchCompletion(ctx, userID, loser, "All tests passed")
		}
		m.persistResult(ctx, g)
		obslog.L().Info("battle_complete",
			zap.String("game_id", gameID),
			zap.String("winner", userID),
			zap.String("reason", string(ReasonCompleted)),
		)
		m.broadcast(gameID, room.EventGameFinished, room.GameFinishedPayload{Result: g.Result, Status: string(g.Status)})
	}
	return &p, nil
}

// Forfeit ends an in-progress battle in the opponent's favor. A nil
// Game with nil error means a concurrent writer already finished the
// battle and the forfeit was a no-op.
func (m *Manager) Forfeit(ctx context.Context, gameID, userID string, claimed Role) (*Game, error) {
	var winner string
	g, err := m.store.Update(ctx, gameID, func(cur *Game) error {
		if cur.Status != StatusInProgress {
			return ErrNoEffect
		}
		actual := cur.RoleOf(userID)
		if actual == RoleSpectator {
			return ErrNotParticipant
		}
		if claimed != "" && claimed != actual {
			return ErrRoleMismatch
		}
		winner = cur.Opponent(userID)
		now := time.Now()
		cur.Result = &Result{
			Reason:  ReasonForfeit,
			Winner:  winner,
			Message: fmt.Sprintf("The %s forfeited the match.", actual),
		}
		cur.CompletedAt = &now
		cur.Status = StatusCompleted
		return nil
	})
	if errors.Is(err, ErrNoEffect) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.sched != nil {
		m.sched.Cancel(gameID)
	}
	m.cleanup(gameID)
	if m.ledger != nil {
		m.ledger.HandleForfeit(ctx, userID, winner)
	}
	m.persistResult(ctx, g)
	obslog.L().Info("battle_forfeit",
		zap.String("game_id", gameID),
		zap.String("forfeiter", userID),
		zap.String("winner", winner),
	)
	m.broadcast(gameID, room.EventGameFinished, room.GameFinishedPayload{Result: g.Result, Status: string(g.Status)})
	return g, nil
}

// Expire is invoked only by the scheduler. It re-checks the status
// under WATCH because timer cancellation is best-effort; a task that
// fires after another terminal writer won is a silent no-op.
func (m *Manager) Expire(ctx context.Context, gameID string) error {
	g, err := m.store.Update(ctx, gameID, func(cur *Game) error {
		if cur.Status != StatusInProgress {
			return ErrNoEffect
		}
		host, chal := cur.HostTestsPassed, cur.ChallengerTestsPassed
		var winner, msg string
		switch {
		case host > chal:
			winner = cur.HostID
			msg = fmt.Sprintf("Time's up! Host won by passing %d test cases vs %d.", host, chal)
		case chal > host:
			winner = cur.ChallengerID
			msg = fmt.Sprintf("Time's up! Challenger won by passing %d test cases vs %d.", chal, host)
		default:
			msg = fmt.Sprintf("Time's up! It's a draw - both players passed %d test cases.", host)
		}
		now := time.Now()
		cur.Result = &Result{Reason: ReasonTimeUp, Winner: winner, Message: msg}
		cur.CompletedAt = &now
		cur.Status = StatusCompleted
		return nil
	})
	if errors.Is(err, ErrNoEffect) || errors.Is(err, ErrGameNotFound) {
		obslog.L().Debug("battle_expire_noop", zap.String("game_id", gameID))
		return nil
	}
	if err != nil {
		return err
	}
	m.cleanup(gameID)
	if w := g.Result.Winner; w != "" {
		if l := g.Opponent(w); l != "" && m.ledger != nil {
			m.ledger.HandleMatchCompletion(ctx, w, l, "Time expired")
		}
	}
	m.persistResult(ctx, g)
	obslog.L().Info("battle_expire",
		zap.String("game_id", gameID),
		zap.String("winner", g.Result.Winner),
		zap.Int("host_tests", g.HostTestsPassed),
		zap.Int("challenger_tests", g.ChallengerTestsPassed),
	)
	m.broadcast(gameID, room.EventGameTimeExpired, room.GameTimeExpiredPayload{
		GameID:      gameID,
		Result:      g.Result,
		CompletedAt: *g.CompletedAt,
		Status:      string(g.Status),
	})
	return nil
}

// DisconnectLeave clears a participant's joined flag when their socket
// drops. Status and result are never touched; spectators are no-ops.
func (m *Manager) DisconnectLeave(ctx context.Context, gameID, userID string, role Role) error {
	if role != RoleHost && role != RoleChallenger {
		return nil
	}
	_, err := m.store.Update(ctx, gameID, func(cur *Game) error {
		switch role {
		case RoleHost:
			if cur.HostID != userID {
				return ErrNoEffect
			}
			cur.HostJoined = false
		case RoleChallenger:
			if cur.ChallengerID != userID {
				return ErrNoEffect
			}
			cur.ChallengerJoined = false
		}
		return nil
	})
	if errors.Is(err, ErrNoEffect) || errors.Is(err, ErrGameNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.broadcast(gameID, room.EventPlayerDisconnected, room.PlayerDisconnectedPayload{Role: string(role), UserID: userID})
	return nil
}

// Cancel aborts a battle that never started. Host only. Engine-wise a
// cancelled game is terminal with no winner and no result payload.
func (m *Manager) Cancel(ctx context.Context, gameID, hostID string) (*Game, error) {
	g, err := m.store.Update(ctx, gameID, func(cur *Game) error {
		if cur.Status != StatusWaiting && cur.Status != StatusReadyToStart {
			return ErrBadState
		}
		if cur.HostID != hostID {
			return ErrNotHost
		}
		cur.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.cleanup(gameID)
	obslog.L().Info("battle_cancel", zap.String("game_id", gameID))
	m.broadcast(gameID, room.EventGameFinished, room.GameFinishedPayload{Result: nil, Status: string(g.Status)})
	return g, nil
}

func (m *Manager) cleanup(gameID string) {
	if m.cleaner != nil {
		m.cleaner.Cleanup(gameID)
	}
}

func (m *Manager) broadcast(gameID, event string, payload any) {
	if m.notify == nil {
		return
	}
	m.notify.Broadcast(gameID, event, payload)
}

func (m *Manager) persistResult(ctx context.Context, g *Game) {
	if m.history == nil || g == nil {
		return
	}
	if err := m.history.SaveResult(ctx, g); err != nil {
		obslog.L().Error("battle_result_persist_error", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	obslog.L().Info("battle_result_persist", zap.String("game_id", g.ID), zap.String("reason", string(g.Result.Reason)))
}
