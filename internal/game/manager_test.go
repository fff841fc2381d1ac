package game

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"code-battle-server/internal/codecache"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Duration
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[string]time.Duration)}
}

func (f *fakeScheduler) Schedule(gameID string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[gameID] = delay
	return nil
}

func (f *fakeScheduler) Cancel(gameID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, gameID)
	_, ok := f.scheduled[gameID]
	delete(f.scheduled, gameID)
	return ok
}

func (f *fakeScheduler) cancelCount(gameID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.cancelled {
		if id == gameID {
			n++
		}
	}
	return n
}

type broadcastRec struct {
	gameID  string
	event   string
	payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []broadcastRec
}

func (f *fakeNotifier) Broadcast(gameID, event string, payload any) {
	f.mu.Lock()
	f.events = append(f.events, broadcastRec{gameID, event, payload})
	f.mu.Unlock()
}

func (f *fakeNotifier) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type ledgerCall struct {
	kind string
	args []string
	n    int
}

type fakeLedger struct {
	mu    sync.Mutex
	calls []ledgerCall
}

func (f *fakeLedger) HandleMatchCompletion(_ context.Context, winnerID, loserID, reason string) {
	f.mu.Lock()
	f.calls = append(f.calls, ledgerCall{kind: "completion", args: []string{winnerID, loserID, reason}})
	f.mu.Unlock()
}

func (f *fakeLedger) HandleForfeit(_ context.Context, forfeiterID, winnerID string) {
	f.mu.Lock()
	f.calls = append(f.calls, ledgerCall{kind: "forfeit", args: []string{forfeiterID, winnerID}})
	f.mu.Unlock()
}

func (f *fakeLedger) HandleTestProgress(_ context.Context, userID string, newlyPassed int) {
	f.mu.Lock()
	f.calls = append(f.calls, ledgerCall{kind: "progress", args: []string{userID}, n: newlyPassed})
	f.mu.Unlock()
}

func (f *fakeLedger) countKind(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *Store, *fakeScheduler, *fakeNotifier, *fakeLedger, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb)
	sched := newFakeScheduler()
	notify := &fakeNotifier{}
	ledger := &fakeLedger{}
	m := NewManager(store, sched, notify, ledger)
	return m, store, sched, notify, ledger, func() { mr.Close() }
}

// setupRunning drives a fresh battle all the way to in_progress.
func setupRunning(t *testing.T, m *Manager) *Game {
	t.Helper()
	ctx := context.Background()
	g, err := m.Create(ctx, "host1", "easy", "p1", 600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Join(ctx, g.ID, "host1", ""); err != nil {
		t.Fatalf("host Join: %v", err)
	}
	out, err := m.Join(ctx, g.ID, "chal1", g.InviteCode)
	if err != nil {
		t.Fatalf("challenger Join: %v", err)
	}
	if out.Role != RoleChallenger || !out.Joined {
		t.Fatalf("expected challenger join, got %+v", out)
	}
	if _, err := m.StartBattle(ctx, g.ID, "host1"); err != nil {
		t.Fatalf("StartBattle: %v", err)
	}
	running, err := m.ChallengerReady(ctx, g.ID, "chal1")
	if err != nil {
		t.Fatalf("ChallengerReady: %v", err)
	}
	if running.Status != StatusInProgress || running.StartedAt == nil {
		t.Fatalf("expected in_progress with StartedAt, got %+v", running)
	}
	return running
}

func TestCreateAllocatesInviteCode(t *testing.T) {
	m, store, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g, err := m.Create(ctx, "host1", "medium", "p1", 900)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if g.Status != StatusWaiting {
		t.Fatalf("expected waiting, got %s", g.Status)
	}
	if len(g.InviteCode) != 8 {
		t.Fatalf("expected 8-char invite code, got %q", g.InviteCode)
	}
	found, err := store.FindByInvite(ctx, g.InviteCode)
	if err != nil || found == nil || found.ID != g.ID {
		t.Fatalf("FindByInvite: %v %v", found, err)
	}
}

func TestCreateRejectsBadArgs(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := m.Create(ctx, "", "easy", "p1", 600); err != ErrInvalidArgs {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
	if _, err := m.Create(ctx, "h", "easy", "p1", 0); err != ErrInvalidArgs {
		t.Fatalf("expected ErrInvalidArgs for zero limit, got %v", err)
	}
}

func TestFullBattleFlow(t *testing.T) {
	m, _, sched, notify, _, cleanup := newTestManager(t)
	defer cleanup()

	g := setupRunning(t, m)

	sched.mu.Lock()
	delay, ok := sched.scheduled[g.ID]
	sched.mu.Unlock()
	if !ok {
		t.Fatalf("expected expiration scheduled for %s", g.ID)
	}
	if delay != 600*time.Second {
		t.Fatalf("expected 600s delay, got %v", delay)
	}
	for _, ev := range []string{"player_joined", "battle_started", "game_in_progress"} {
		if notify.count(ev) == 0 {
			t.Fatalf("expected %s broadcast", ev)
		}
	}
}

func TestJoinWrongCodeIsSpectator(t *testing.T) {
	m, store, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g, err := m.Create(ctx, "host1", "easy", "p1", 600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	out, err := m.Join(ctx, g.ID, "stranger", "WRONGCOD")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if out.Role != RoleSpectator || out.Joined {
		t.Fatalf("expected spectator outcome, got %+v", out)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.ChallengerID != "" {
		t.Fatalf("spectator join must not mutate, got challenger %q", cur.ChallengerID)
	}
}

func TestJoinOccupiedSlotIsSpectator(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g, _ := m.Create(ctx, "host1", "easy", "p1", 600)
	if _, err := m.Join(ctx, g.ID, "chal1", g.InviteCode); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	out, err := m.Join(ctx, g.ID, "chal2", g.InviteCode)
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if out.Role != RoleSpectator || out.Joined {
		t.Fatalf("expected spectator for occupied slot, got %+v", out)
	}
}

func TestJoinIsIdempotentForParticipants(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g, _ := m.Create(ctx, "host1", "easy", "p1", 600)
	if _, err := m.Join(ctx, g.ID, "chal1", g.InviteCode); err != nil {
		t.Fatalf("Join: %v", err)
	}
	out, err := m.Join(ctx, g.ID, "chal1", "")
	if err != nil {
		t.Fatalf("re-Join: %v", err)
	}
	if out.Role != RoleChallenger || !out.Joined {
		t.Fatalf("expected idempotent challenger rejoin, got %+v", out)
	}
	hout, err := m.Join(ctx, g.ID, "host1", "")
	if err != nil || hout.Role != RoleHost {
		t.Fatalf("expected host rejoin, got %+v err %v", hout, err)
	}
}

func TestJoinFinishedGameReturnsHistoricalRole(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if _, err := m.Forfeit(ctx, g.ID, "chal1", ""); err != nil {
		t.Fatalf("Forfeit: %v", err)
	}
	out, err := m.Join(ctx, g.ID, "host1", "")
	if err != nil {
		t.Fatalf("Join after finish: %v", err)
	}
	if out.Role != RoleHost || out.Joined {
		t.Fatalf("expected historical host role without mutation, got %+v", out)
	}
}

func TestChallengerQuitResetsSlot(t *testing.T) {
	m, store, _, notify, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g, _ := m.Create(ctx, "host1", "easy", "p1", 600)
	if _, err := m.Join(ctx, g.ID, "chal1", g.InviteCode); err != nil {
		t.Fatalf("Join: %v", err)
	}
	updated, err := m.ChallengerQuit(ctx, g.ID, "chal1")
	if err != nil {
		t.Fatalf("ChallengerQuit: %v", err)
	}
	if updated.ChallengerID != "" || updated.ChallengerJoined || updated.Status != StatusWaiting {
		t.Fatalf("expected vacated waiting game, got %+v", updated)
	}
	if notify.count("challenger_quit") != 1 {
		t.Fatalf("expected challenger_quit broadcast")
	}
	// slot reusable by someone else
	out, err := m.Join(ctx, g.ID, "chal2", g.InviteCode)
	if err != nil || out.Role != RoleChallenger {
		t.Fatalf("expected new challenger after quit, got %+v err %v", out, err)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.ChallengerID != "chal2" {
		t.Fatalf("expected chal2, got %q", cur.ChallengerID)
	}
}

func TestQuitAfterStartRejected(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if _, err := m.ChallengerQuit(ctx, g.ID, "chal1"); err != ErrBadState {
		t.Fatalf("expected ErrBadState, got %v", err)
	}
}

func TestStartBattleGuards(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g, _ := m.Create(ctx, "host1", "easy", "p1", 600)
	if _, err := m.StartBattle(ctx, g.ID, "chal1"); err != ErrNotHost {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if _, err := m.StartBattle(ctx, g.ID, "host1"); err != ErrPlayersNotJoined {
		t.Fatalf("expected ErrPlayersNotJoined, got %v", err)
	}
	if _, err := m.Join(ctx, g.ID, "host1", ""); err != nil {
		t.Fatalf("host Join: %v", err)
	}
	if _, err := m.Join(ctx, g.ID, "chal1", g.InviteCode); err != nil {
		t.Fatalf("challenger Join: %v", err)
	}
	if _, err := m.StartBattle(ctx, g.ID, "host1"); err != nil {
		t.Fatalf("StartBattle: %v", err)
	}
	// second start attempt hits the state guard
	if _, err := m.StartBattle(ctx, g.ID, "host1"); err != ErrBadState {
		t.Fatalf("expected ErrBadState on restart, got %v", err)
	}
}

func TestChallengerReadyOnlyChallenger(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g, _ := m.Create(ctx, "host1", "easy", "p1", 600)
	m.Join(ctx, g.ID, "host1", "")
	m.Join(ctx, g.ID, "chal1", g.InviteCode)
	m.StartBattle(ctx, g.ID, "host1")
	if _, err := m.ChallengerReady(ctx, g.ID, "host1"); err != ErrNotChallenger {
		t.Fatalf("expected ErrNotChallenger, got %v", err)
	}
}

func TestProgressMonotonicCounters(t *testing.T) {
	m, store, _, _, ledger, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	p, err := m.RecordTestProgress(ctx, g.ID, "host1", 3, 5, "code-v1")
	if err != nil {
		t.Fatalf("RecordTestProgress: %v", err)
	}
	if p.Passed != 3 || p.Delta != 3 || p.Finished {
		t.Fatalf("unexpected progress %+v", p)
	}

	// a worse later run must not move the counter down
	p2, err := m.RecordTestProgress(ctx, g.ID, "host1", 2, 5, "code-v2")
	if err != nil {
		t.Fatalf("RecordTestProgress regress: %v", err)
	}
	if p2.Passed != 3 || p2.Delta != 0 {
		t.Fatalf("counter regressed: %+v", p2)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.HostTestsPassed != 3 {
		t.Fatalf("expected persisted 3, got %d", cur.HostTestsPassed)
	}
	// submitted source still updated durably
	if cur.HostCode != "code-v2" {
		t.Fatalf("expected latest code persisted, got %q", cur.HostCode)
	}
	// only the first improvement earned aura
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.calls) != 1 || ledger.calls[0].n != 3 {
		t.Fatalf("expected single progress credit of 3, got %+v", ledger.calls)
	}
}

func TestProgressSpectatorNoEffect(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	p, err := m.RecordTestProgress(ctx, g.ID, "stranger", 2, 5, "x")
	if err != nil || p != nil {
		t.Fatalf("expected silent no-op for spectator, got %+v %v", p, err)
	}
}

func TestProgressValidation(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if _, err := m.RecordTestProgress(ctx, g.ID, "host1", 6, 5, ""); err != ErrInvalidArgs {
		t.Fatalf("expected ErrInvalidArgs for passed>total, got %v", err)
	}
	if _, err := m.RecordTestProgress(ctx, g.ID, "host1", -1, 5, ""); err != ErrInvalidArgs {
		t.Fatalf("expected ErrInvalidArgs for negative passed, got %v", err)
	}
}

func TestFullSolveCompletesBattle(t *testing.T) {
	m, store, sched, notify, ledger, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	p, err := m.RecordTestProgress(ctx, g.ID, "chal1", 5, 5, "winning-code")
	if err != nil {
		t.Fatalf("RecordTestProgress: %v", err)
	}
	if !p.Finished || !p.AllPassed {
		t.Fatalf("expected finished progress, got %+v", p)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.Status != StatusCompleted || cur.Result == nil || cur.CompletedAt == nil {
		t.Fatalf("expected completed game with result, got %+v", cur)
	}
	if cur.Result.Reason != ReasonCompleted || cur.Result.Winner != "chal1" {
		t.Fatalf("unexpected result %+v", cur.Result)
	}
	if sched.cancelCount(g.ID) != 1 {
		t.Fatalf("expected timer cancelled once, got %d", sched.cancelCount(g.ID))
	}
	if ledger.countKind("completion") != 1 {
		t.Fatalf("expected one completion credit")
	}
	if notify.count("game_finished") != 1 {
		t.Fatalf("expected one game_finished broadcast")
	}
	// late progress from the loser is a silent no-op
	late, err := m.RecordTestProgress(ctx, g.ID, "host1", 4, 5, "too-late")
	if err != nil || late != nil {
		t.Fatalf("expected no-op after completion, got %+v %v", late, err)
	}
}

func TestForfeitAwardsOpponent(t *testing.T) {
	m, store, sched, _, ledger, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	res, err := m.Forfeit(ctx, g.ID, "host1", RoleHost)
	if err != nil {
		t.Fatalf("Forfeit: %v", err)
	}
	if res.Result.Reason != ReasonForfeit || res.Result.Winner != "chal1" {
		t.Fatalf("unexpected result %+v", res.Result)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", cur.Status)
	}
	if sched.cancelCount(g.ID) != 1 {
		t.Fatalf("expected timer cancel")
	}
	if ledger.countKind("forfeit") != 1 {
		t.Fatalf("expected forfeit ledger call")
	}
}

func TestForfeitGuards(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if _, err := m.Forfeit(ctx, g.ID, "stranger", ""); err != ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := m.Forfeit(ctx, g.ID, "host1", RoleChallenger); err != ErrRoleMismatch {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestExpireWinnerAndMessages(t *testing.T) {
	m, store, _, notify, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if _, err := m.RecordTestProgress(ctx, g.ID, "host1", 4, 5, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := m.RecordTestProgress(ctx, g.ID, "chal1", 2, 5, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := m.Expire(ctx, g.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.Result.Reason != ReasonTimeUp || cur.Result.Winner != "host1" {
		t.Fatalf("unexpected result %+v", cur.Result)
	}
	want := "Time's up! Host won by passing 4 test cases vs 2."
	if cur.Result.Message != want {
		t.Fatalf("message mismatch: %q", cur.Result.Message)
	}
	if notify.count("game_time_expired") != 1 {
		t.Fatalf("expected game_time_expired broadcast")
	}
}

func TestExpireZeroZeroDraw(t *testing.T) {
	m, store, _, _, ledger, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if err := m.Expire(ctx, g.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.Result.Winner != "" {
		t.Fatalf("expected draw, got winner %q", cur.Result.Winner)
	}
	want := "Time's up! It's a draw - both players passed 0 test cases."
	if cur.Result.Message != want {
		t.Fatalf("message mismatch: %q", cur.Result.Message)
	}
	if ledger.countKind("completion") != 0 {
		t.Fatalf("draw must not credit a winner")
	}
}

func TestExpireAfterForfeitIsNoop(t *testing.T) {
	m, store, _, notify, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if _, err := m.Forfeit(ctx, g.ID, "chal1", ""); err != nil {
		t.Fatalf("Forfeit: %v", err)
	}
	if err := m.Expire(ctx, g.ID); err != nil {
		t.Fatalf("Expire after forfeit: %v", err)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.Result.Reason != ReasonForfeit {
		t.Fatalf("expire overwrote result: %+v", cur.Result)
	}
	if notify.count("game_time_expired") != 0 {
		t.Fatalf("no-op expire must not broadcast")
	}
}

func TestForfeitAfterExpireIsNoop(t *testing.T) {
	m, store, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if err := m.Expire(ctx, g.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	res, err := m.Forfeit(ctx, g.ID, "host1", "")
	if err != nil || res != nil {
		t.Fatalf("expected silent no-op forfeit, got %+v %v", res, err)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.Result.Reason != ReasonTimeUp {
		t.Fatalf("forfeit overwrote result: %+v", cur.Result)
	}
}

func TestConcurrentTerminalWritersSingleResult(t *testing.T) {
	m, store, _, notify, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		g := setupRunning(t, m)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Forfeit(ctx, g.ID, "host1", "")
		}()
		go func() {
			defer wg.Done()
			_ = m.Expire(ctx, g.ID)
		}()
		wg.Wait()

		cur, _ := store.Load(ctx, g.ID)
		if cur.Status != StatusCompleted || cur.Result == nil {
			t.Fatalf("round %d: expected exactly one terminal result, got %+v", i, cur)
		}
		if cur.Result.Reason != ReasonForfeit && cur.Result.Reason != ReasonTimeUp {
			t.Fatalf("round %d: unexpected reason %s", i, cur.Result.Reason)
		}
	}
	finished := notify.count("game_finished") + notify.count("game_time_expired")
	if finished != 10 {
		t.Fatalf("expected 10 terminal broadcasts, got %d", finished)
	}
}

func TestActiveIndexTracksLifecycle(t *testing.T) {
	m, store, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	active, err := store.ActiveGames(ctx)
	if err != nil || len(active) != 1 || active[0].ID != g.ID {
		t.Fatalf("expected one active game, got %v %v", active, err)
	}
	if _, err := m.Forfeit(ctx, g.ID, "host1", ""); err != nil {
		t.Fatalf("Forfeit: %v", err)
	}
	active, err = store.ActiveGames(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected empty active set, got %v %v", active, err)
	}
}

func TestDisconnectLeaveClearsJoinedFlag(t *testing.T) {
	m, store, _, notify, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g := setupRunning(t, m)
	if err := m.DisconnectLeave(ctx, g.ID, "chal1", RoleChallenger); err != nil {
		t.Fatalf("DisconnectLeave: %v", err)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.ChallengerJoined {
		t.Fatalf("expected joined flag cleared")
	}
	if cur.ChallengerID != "chal1" || cur.Status != StatusInProgress {
		t.Fatalf("disconnect must not change identity or status: %+v", cur)
	}
	if notify.count("player_disconnected") != 1 {
		t.Fatalf("expected player_disconnected broadcast")
	}
	// spectators are a no-op
	if err := m.DisconnectLeave(ctx, g.ID, "stranger", RoleSpectator); err != nil {
		t.Fatalf("spectator DisconnectLeave: %v", err)
	}
}

func TestCancelPreStartOnly(t *testing.T) {
	m, store, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	g, _ := m.Create(ctx, "host1", "easy", "p1", 600)
	if _, err := m.Cancel(ctx, g.ID, "chal1"); err != ErrNotHost {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if _, err := m.Cancel(ctx, g.ID, "host1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cur, _ := store.Load(ctx, g.ID)
	if cur.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cur.Status)
	}

	running := setupRunning(t, m)
	if _, err := m.Cancel(ctx, running.ID, "host1"); err != ErrBadState {
		t.Fatalf("expected ErrBadState for running cancel, got %v", err)
	}
}

func TestTerminalTransitionsCleanProgressCache(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	cache := codecache.New()
	m.AttachCleaner(cache)

	assertGone := func(gameID, path string) {
		t.Helper()
		if _, _, ok := cache.Codes(gameID); ok {
			t.Fatalf("cache entry still present after %s", path)
		}
	}

	// time_up
	g := setupRunning(t, m)
	cache.SetCode(g.ID, "host", "x")
	if err := m.Expire(ctx, g.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	assertGone(g.ID, "time_up completion")

	// forfeit
	g = setupRunning(t, m)
	cache.SetCode(g.ID, "challenger", "y")
	if _, err := m.Forfeit(ctx, g.ID, "host1", ""); err != nil {
		t.Fatalf("Forfeit: %v", err)
	}
	assertGone(g.ID, "forfeit")

	// full solve
	g = setupRunning(t, m)
	cache.SetCode(g.ID, "host", "z")
	if _, err := m.RecordTestProgress(ctx, g.ID, "host1", 5, 5, "z"); err != nil {
		t.Fatalf("RecordTestProgress: %v", err)
	}
	assertGone(g.ID, "full solve")

	// pre-start cancel
	g, err := m.Create(ctx, "host1", "easy", "p1", 600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cache.SetCode(g.ID, "host", "w")
	if _, err := m.Cancel(ctx, g.ID, "host1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	assertGone(g.ID, "cancel")
}

func TestJoinRacingCompletionDoesNotMutate(t *testing.T) {
	m, store, _, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		g := setupRunning(t, m)
		if err := m.DisconnectLeave(ctx, g.ID, "host1", RoleHost); err != nil {
			t.Fatalf("DisconnectLeave: %v", err)
		}

		var out *JoinOutcome
		var joinErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Forfeit(ctx, g.ID, "chal1", "")
		}()
		go func() {
			defer wg.Done()
			out, joinErr = m.Join(ctx, g.ID, "host1", "")
		}()
		wg.Wait()
		if joinErr != nil {
			t.Fatalf("round %d: Join: %v", i, joinErr)
		}

		cur, _ := store.Load(ctx, g.ID)
		if cur.Status != StatusCompleted {
			t.Fatalf("round %d: expected completed, got %s", i, cur.Status)
		}
		// the outcome must agree with the record: a join reported as
		// rejected must not have flipped the flag on a completed game
		if out.Joined != cur.HostJoined {
			t.Fatalf("round %d: join reported %v but record shows host_joined=%v", i, out.Joined, cur.HostJoined)
		}
	}
}

func TestGetUnknownGame(t *testing.T) {
	m, _, _, _, _, cleanup := newTestManager(t)
	defer cleanup()

	if _, err := m.Get(context.Background(), "nope"); err != ErrGameNotFound {
		t.Fatalf("expected ErrGameNotFound, got %v", err)
	}
}
