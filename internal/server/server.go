package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"code-battle-server/internal/codecache"
	"code-battle-server/internal/config"
	"code-battle-server/internal/game"
	"code-battle-server/internal/judge"
	"code-battle-server/internal/obslog"
	"code-battle-server/internal/problem"
	"code-battle-server/internal/room"
)

// Server wires the HTTP and websocket surface onto the battle engine.
type Server struct {
	cfg      *config.AppConfig
	mgr      *game.Manager
	cache    *codecache.Cache
	hub      *room.Hub
	judge    *judge.Client
	problems *problem.Catalog
}

func New(cfg *config.AppConfig, mgr *game.Manager, cache *codecache.Cache, hub *room.Hub, jc *judge.Client, problems *problem.Catalog) *Server {
	return &Server{cfg: cfg, mgr: mgr, cache: cache, hub: hub, judge: jc, problems: problems}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	{
		api.POST("/games", s.handleCreate)
		api.GET("/games/:id", s.handleGet)
		api.POST("/games/:id/join", s.handleJoin)
		api.POST("/games/:id/quit", s.handleQuit)
		api.POST("/games/:id/start", s.handleStart)
		api.POST("/games/:id/ready", s.handleReady)
		api.POST("/games/:id/forfeit", s.handleForfeit)
		api.POST("/games/:id/cancel", s.handleCancel)
		api.POST("/games/:id/submit", s.handleSubmit)
		api.GET("/users/me/games", s.handleMyGames)
	}

	r.GET("/ws", s.handleWS)
	return r
}

// userID resolves the caller's identity. Authentication itself lives in
// front of this service; the header carries the resolved user id.
func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-User-Id"))
}

func (s *Server) handleCreate(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	var body struct {
		Difficulty string `json:"difficulty"`
		TimeLimit  int    `json:"timeLimit"`
		ProblemID  string `json:"problemId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Difficulty == "" {
		body.Difficulty = "easy"
	}
	if body.TimeLimit <= 0 {
		body.TimeLimit = s.cfg.DefaultTimeLimitSec
	}
	if body.TimeLimit > s.cfg.MaxTimeLimitSec {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("timeLimit exceeds maximum of %d seconds", s.cfg.MaxTimeLimitSec)})
		return
	}

	p := s.problems.Get(body.ProblemID)
	if p == nil {
		var err error
		p, err = s.problems.PickByDifficulty(body.Difficulty)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	g, err := s.mgr.Create(c.Request.Context(), uid, body.Difficulty, p.ID, body.TimeLimit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	s.cache.Init(g.ID, p.Starter("javascript"))
	c.JSON(http.StatusCreated, gin.H{
		"game":       g,
		"problem":    p,
		"inviteLink": s.cfg.ClientBaseURL + "/battle/" + g.ID + "?code=" + g.InviteCode,
	})
}

func (s *Server) handleGet(c *gin.Context) {
	g, err := s.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	hostCode, challengerCode, ok := s.cache.Codes(g.ID)
	if !ok {
		// cold cache after a restart; fall back to the last durable save
		hostCode, challengerCode = g.HostCode, g.ChallengerCode
	}
	resp := gin.H{
		"game": g,
		"codes": gin.H{
			"host":       hostCode,
			"challenger": challengerCode,
		},
	}
	if p := s.problems.Get(g.ProblemID); p != nil {
		resp["problem"] = p
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleJoin(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	var body struct {
		InviteCode string `json:"inviteCode"`
	}
	_ = c.ShouldBindJSON(&body)

	out, err := s.mgr.Join(c.Request.Context(), c.Param("id"), uid, strings.ToUpper(strings.TrimSpace(body.InviteCode)))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleQuit(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	g, err := s.mgr.ChallengerQuit(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game": g})
}

func (s *Server) handleStart(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	g, err := s.mgr.StartBattle(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game": g})
}

func (s *Server) handleReady(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	g, err := s.mgr.ChallengerReady(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		if g == nil {
			s.renderError(c, err)
			return
		}
		// committed but the expiration timer could not be registered;
		// restart reconciliation picks it back up, the caller gets the
		// degraded state
		c.JSON(http.StatusOK, gin.H{"game": g, "timerScheduled": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"game": g, "timerScheduled": true})
}

func (s *Server) handleForfeit(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	_ = c.ShouldBindJSON(&body)

	g, err := s.mgr.Forfeit(c.Request.Context(), c.Param("id"), uid, game.Role(body.Role))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if g == nil {
		// battle already ended; nothing to forfeit
		c.JSON(http.StatusOK, gin.H{"applied": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "game": g})
}

func (s *Server) handleCancel(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	g, err := s.mgr.Cancel(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game": g})
}

// handleSubmit runs the caller's code against the problem's test cases
// and feeds the graded outcome into the engine.
func (s *Server) handleSubmit(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	var body struct {
		Language string `json:"language"`
		Code     string `json:"code"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	langID, ok := problem.LanguageIDs[strings.ToLower(body.Language)]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported language %q", body.Language)})
		return
	}

	g, err := s.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	p := s.problems.Get(g.ProblemID)
	if p == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "problem not found for game"})
		return
	}

	verdict, err := s.judge.Execute(c.Request.Context(), judge.Submission{
		SourceCode: body.Code,
		LanguageID: langID,
		Stdin:      p.TestCases,
	})
	if err != nil {
		obslog.L().Error("judge_execute_error", zap.String("game_id", g.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "code execution failed"})
		return
	}

	passed, total := 0, p.TotalTests()
	var results []problem.TestResult
	if verdict.Executed() {
		passed, total, results = problem.Grade(verdict.Stdout, p.CorrectOutput)
	}

	prog, err := s.mgr.RecordTestProgress(c.Request.Context(), g.ID, uid, passed, total, body.Code)
	if err != nil {
		s.renderError(c, err)
		return
	}

	resp := gin.H{
		"passed":  passed,
		"total":   total,
		"results": results,
		"status":  verdict.Status.Description,
	}
	if verdict.CompileError() {
		resp["compileOutput"] = verdict.CompileOutput
	}
	if verdict.Stderr != "" {
		resp["stderr"] = verdict.Stderr
	}
	if prog == nil {
		resp["applied"] = false
	} else {
		resp["applied"] = true
		resp["finished"] = prog.Finished
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMyGames(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	games, err := s.mgr.GamesByUser(c.Request.Context(), uid)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"games": games})
}

func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, game.ErrGameNotFound):
		status = http.StatusNotFound
	case errors.Is(err, game.ErrInvalidArgs):
		status = http.StatusBadRequest
	case errors.Is(err, game.ErrNotHost),
		errors.Is(err, game.ErrNotChallenger),
		errors.Is(err, game.ErrNotParticipant),
		errors.Is(err, game.ErrRoleMismatch):
		status = http.StatusForbidden
	case errors.Is(err, game.ErrBadState),
		errors.Is(err, game.ErrPlayersNotJoined):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		obslog.L().Error("http_internal_error", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
