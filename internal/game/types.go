package game

import "time"

// Status is the lifecycle state of a battle.
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusReadyToStart Status = "ready_to_start"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Role is a user's position in a battle.
type Role string

const (
	RoleHost       Role = "host"
	RoleChallenger Role = "challenger"
	RoleSpectator  Role = "spectator"
)

// ResultReason explains how a battle ended.
type ResultReason string

const (
	ReasonForfeit   ResultReason = "forfeit"
	ReasonTimeUp    ResultReason = "time_up"
	ReasonCompleted ResultReason = "completed"
)

// Result is written exactly once, together with CompletedAt, when a
// battle reaches StatusCompleted. An empty Winner denotes a draw.
type Result struct {
	Reason  ResultReason `json:"reason"`
	Winner  string       `json:"winner,omitempty"`
	Message string       `json:"message"`
}

// Game is the persisted record of one battle, stored as JSON under
// battle:game:<id>.
type Game struct {
	ID         string `json:"id"`
	InviteCode string `json:"invite_code"`

	HostID       string `json:"host_id"`
	ChallengerID string `json:"challenger_id,omitempty"`

	Status     Status `json:"status"`
	Difficulty string `json:"difficulty"`
	ProblemID  string `json:"problem_id"`

	TimeLimit int        `json:"time_limit"` // seconds
	StartedAt *time.Time `json:"started_at,omitempty"`

	HostJoined       bool `json:"host_joined"`
	ChallengerJoined bool `json:"challenger_joined"`

	HostTestsPassed       int `json:"host_tests_passed"`
	ChallengerTestsPassed int `json:"challenger_tests_passed"`

	// Last durably saved editor text per role; the in-memory code cache
	// falls back to these after a restart.
	HostCode       string `json:"host_code,omitempty"`
	ChallengerCode string `json:"challenger_code,omitempty"`

	Result      *Result    `json:"result,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleOf resolves a user's role from the persisted record. Client role
// claims are never trusted for authoritative operations.
func (g *Game) RoleOf(userID string) Role {
	if userID != "" && g.HostID == userID {
		return RoleHost
	}
	if userID != "" && g.ChallengerID == userID {
		return RoleChallenger
	}
	return RoleSpectator
}

// Opponent returns the other participant's id, or "" if userID is not a
// participant.
func (g *Game) Opponent(userID string) string {
	switch {
	case g.HostID == userID:
		return g.ChallengerID
	case g.ChallengerID == userID:
		return g.HostID
	}
	return ""
}

// JoinOutcome is the reply to a join attempt.
type JoinOutcome struct {
	Role    Role   `json:"role"`
	Joined  bool   `json:"joined"`
	Message string `json:"message"`
}

// Progress is the reply to a test-progress report.
type Progress struct {
	Role      Role  `json:"role"`
	Passed    int   `json:"passed"`
	Total     int   `json:"total"`
	Delta     int   `json:"delta"`
	AllPassed bool  `json:"all_passed"`
	Finished  bool  `json:"finished"`
	Game      *Game `json:"-"`
}

// Errors
var (
	ErrInvalidArgs      = errf("invalid arguments")
	ErrGameNotFound     = errf("game not found")
	ErrNotHost          = errf("caller is not the host")
	ErrNotChallenger    = errf("caller is not the challenger")
	ErrNotParticipant   = errf("caller is not a participant")
	ErrRoleMismatch     = errf("asserted role does not match record")
	ErrBadState         = errf("operation not allowed in current game state")
	ErrPlayersNotJoined = errf("both players must be joined to start")
	// returned internally by update closures when a precondition no
	// longer holds; mapped to a silent no-op by the manager
	ErrNoEffect = errf("no effect")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
