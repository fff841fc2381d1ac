package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"code-battle-server/internal/aura"
	"code-battle-server/internal/codecache"
	appcfg "code-battle-server/internal/config"
	"code-battle-server/internal/game"
	"code-battle-server/internal/judge"
	"code-battle-server/internal/obslog"
	"code-battle-server/internal/problem"
	"code-battle-server/internal/room"
	"code-battle-server/internal/server"
	"code-battle-server/internal/timer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}
	defer obslog.Sync()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("redis connect error: %v", err)
	}

	store := game.NewStore(rdb)
	hub := room.NewHub()
	ledger := aura.NewService(rdb)
	cache := codecache.New()

	sched, err := timer.New()
	if err != nil {
		log.Fatalf("scheduler init error: %v", err)
	}

	mgr := game.NewManager(store, sched, hub, ledger)
	mgr.AttachCleaner(cache)
	if cfg.DatabaseURL != "" {
		repo, rerr := game.NewRepository(cfg.DatabaseURL)
		if rerr != nil {
			log.Fatalf("history repo init error: %v", rerr)
		}
		defer repo.Close()
		mgr.AttachHistory(repo)
	}

	catalog, err := problem.NewCatalog(cfg.ProblemDir)
	if err != nil {
		log.Fatalf("problem catalog error: %v", err)
	}

	jc := judge.NewClient(cfg.Judge0URL, judge.WithRapidAPI(cfg.RapidAPIKey, cfg.RapidAPIHost))

	sched.SetHandler(mgr.Expire)

	// pick up timers for battles that were running before the restart
	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 60*time.Second)
	err = sched.ResumeAll(resumeCtx, func(ctx context.Context) ([]timer.PendingExpiry, error) {
		games, lerr := store.ActiveGames(ctx)
		if lerr != nil {
			return nil, lerr
		}
		pending := make([]timer.PendingExpiry, 0, len(games))
		for _, g := range games {
			if g.StartedAt == nil {
				continue
			}
			pending = append(pending, timer.PendingExpiry{
				GameID:    g.ID,
				StartedAt: *g.StartedAt,
				TimeLimit: g.TimeLimit,
			})
		}
		return pending, nil
	})
	resumeCancel()
	if err != nil {
		obslog.L().Error("timer_resume_failed", zap.Error(err))
	}

	srv := server.New(cfg, mgr, cache, hub, jc, catalog)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	go func() {
		obslog.L().Info("server_listen", zap.Int("port", cfg.Port))
		if serr := httpSrv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			log.Fatalf("http server error: %v", serr)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	obslog.L().Info("server_shutdown_begin")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		obslog.L().Error("http_shutdown_error", zap.Error(err))
	}
	if err := sched.Shutdown(); err != nil {
		obslog.L().Error("scheduler_shutdown_error", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		obslog.L().Error("redis_close_error", zap.Error(err))
	}
	obslog.L().Info("server_shutdown_complete")
}
