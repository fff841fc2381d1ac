package room

import "time"

// Event names on the realtime channel. Each state-machine mutation maps
// to exactly one of these, emitted after the write is committed.
const (
	EventPlayerJoined       = "player_joined"
	EventChallengerQuit     = "challenger_quit"
	EventBattleStarted      = "battle_started"
	EventGameInProgress     = "game_in_progress"
	EventOpponentCodeUpdate = "opponent_code_update"
	EventTestProgressUpdate = "test_progress_update"
	EventGameFinished       = "game_finished"
	EventGameTimeExpired    = "game_time_expired"
	EventPlayerDisconnected = "player_disconnected"
)

// Envelope is the wire frame for every realtime event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// UserSummary is the minimum identity payload peers need.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

type PlayerJoinedPayload struct {
	Role   string `json:"role"`
	UserID string `json:"userId"`
}

type ChallengerQuitPayload struct {
	UserID string `json:"userId"`
}

type BattleStartedPayload struct {
	UserID string `json:"userId"`
}

type GameInProgressPayload struct {
	StartedAt time.Time `json:"startedAt"`
	TimeLimit int       `json:"timeLimit"`
}

type OpponentCodeUpdatePayload struct {
	Code string `json:"code"`
	Role string `json:"role"`
}

type TestProgressUpdatePayload struct {
	Role           string `json:"role"`
	PassedTests    int    `json:"passedTests"`
	TotalTests     int    `json:"totalTests"`
	AllTestsPassed bool   `json:"allTestsPassed"`
}

type GameFinishedPayload struct {
	Result any    `json:"result"`
	Status string `json:"gameStatus"`
}

type GameTimeExpiredPayload struct {
	GameID      string    `json:"gameId"`
	Result      any       `json:"result"`
	CompletedAt time.Time `json:"completedAt"`
	Status      string    `json:"status"`
}

type PlayerDisconnectedPayload struct {
	Role   string `json:"role"`
	UserID string `json:"userId"`
}
