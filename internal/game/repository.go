package game

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository archives finished battles in Postgres. The redis record
// stays authoritative; this is write-behind history only.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a final battle outcome. Safe to call more than
// once for the same game; the last write wins on conflict.
func (r *Repository) SaveResult(ctx context.Context, g *Game) error {
	if r == nil || r.db == nil || g == nil || g.Result == nil {
		return nil
	}

	var startedAt, completedAt sql.NullTime
	if g.StartedAt != nil {
		startedAt = sql.NullTime{Time: *g.StartedAt, Valid: true}
	}
	if g.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *g.CompletedAt, Valid: true}
	}
	var durationMS int64
	if g.StartedAt != nil && g.CompletedAt != nil {
		durationMS = g.CompletedAt.Sub(*g.StartedAt).Milliseconds()
		if durationMS < 0 {
			durationMS = 0
		}
	}

	q := `INSERT INTO battles (
	    game_id, host_id, challenger_id, problem_id, difficulty,
	    result_reason, winner_id, message,
	    host_tests_passed, challenger_tests_passed,
	    time_limit, started_at, completed_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	  ) ON CONFLICT (game_id) DO UPDATE SET
	    host_id=EXCLUDED.host_id,
	    challenger_id=EXCLUDED.challenger_id,
	    problem_id=EXCLUDED.problem_id,
	    difficulty=EXCLUDED.difficulty,
	    result_reason=EXCLUDED.result_reason,
	    winner_id=EXCLUDED.winner_id,
	    message=EXCLUDED.message,
	    host_tests_passed=EXCLUDED.host_tests_passed,
	    challenger_tests_passed=EXCLUDED.challenger_tests_passed,
	    time_limit=EXCLUDED.time_limit,
	    started_at=EXCLUDED.started_at,
	    completed_at=EXCLUDED.completed_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		g.ID,
		g.HostID, g.ChallengerID,
		g.ProblemID, g.Difficulty,
		string(g.Result.Reason), g.Result.Winner, g.Result.Message,
		g.HostTestsPassed, g.ChallengerTestsPassed,
		g.TimeLimit, startedAt, completedAt, durationMS,
	)
	return err
}
