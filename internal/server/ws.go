package server

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"code-battle-server/internal/game"
	"code-battle-server/internal/obslog"
	"code-battle-server/internal/room"
)

const wsWriteTimeout = 10 * time.Second

// inboundFrame is what clients send over the socket. Only code_update
// is meaningful today; unknown types are ignored.
type inboundFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// handleWS upgrades the connection and attaches it to the battle room.
// Anyone may connect; the authoritative role comes from the game
// record, with the claimed query role only deciding the cache slot for
// code mirroring.
func (s *Server) handleWS(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		uid = c.Query("userId")
	}
	gameID := c.Query("gameId")
	if gameID == "" || uid == "" {
		c.JSON(400, gin.H{"error": "gameId and user identity are required"})
		return
	}

	g, err := s.mgr.Get(c.Request.Context(), gameID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	role := g.RoleOf(uid)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.String("game_id", gameID), zap.Error(err))
		return
	}

	client := room.NewClient(gameID, string(role), room.UserSummary{ID: uid})
	s.hub.Join(client)
	obslog.L().Info("ws_connect",
		zap.String("game_id", gameID),
		zap.String("user_id", uid),
		zap.String("role", string(role)),
	)

	ctx := c.Request.Context()
	go s.writePump(ctx, conn, client)
	s.readLoop(ctx, conn, client, uid, role)

	s.hub.Leave(client)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	if derr := s.mgr.DisconnectLeave(context.Background(), gameID, uid, role); derr != nil {
		obslog.L().Warn("ws_disconnect_error", zap.String("game_id", gameID), zap.Error(derr))
	}
	obslog.L().Info("ws_disconnect",
		zap.String("game_id", gameID),
		zap.String("user_id", uid),
		zap.String("role", string(role)),
	)
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, client *room.Client) {
	for env := range client.Outbox() {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(wctx, conn, env)
		cancel()
		if err != nil {
			_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *room.Client, uid string, role game.Role) {
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) && ctx.Err() == nil {
				obslog.L().Debug("ws_read_error", zap.String("game_id", client.GameID), zap.Error(err))
			}
			return
		}
		switch frame.Type {
		case "code_update":
			if role != game.RoleHost && role != game.RoleChallenger {
				continue // spectators cannot mirror code
			}
			s.cache.SetCode(client.GameID, string(role), frame.Code)
			s.hub.BroadcastExcept(client.GameID, room.EventOpponentCodeUpdate, room.OpponentCodeUpdatePayload{
				Code: frame.Code,
				Role: string(role),
			}, client)
		default:
			// ignore unknown frame types
		}
	}
}
