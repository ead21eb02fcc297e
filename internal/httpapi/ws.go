package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/inboxworks/convsync/internal/convsync"
)

const wsWriteTimeout = 10 * time.Second

// wsCommand is the client-to-server message on the operator socket.
type wsCommand struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
}

// wsConn adapts a websocket to the registry's connection interface. Writes
// carry their own deadline so one stalled client cannot wedge a broadcast.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteEnvelope(env convsync.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, env)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "server closing")
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "conversations:read", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed",
			slog.String("operator", claims.OperatorID),
			slog.Any("error", err))
		return
	}

	registry := s.service.Registry()
	connection := registry.Connect(claims.OperatorID, &wsConn{conn: conn})
	s.service.OnConnect(claims.OperatorID)
	s.log.Info("operator connected",
		slog.String("operator", claims.OperatorID),
		slog.String("connection", connection.ID))

	defer func() {
		registry.Disconnect(connection)
		s.log.Info("operator disconnected",
			slog.String("operator", claims.OperatorID),
			slog.String("connection", connection.ID))
	}()

	for {
		var cmd wsCommand
		if err := wsjson.Read(r.Context(), conn, &cmd); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.log.Debug("websocket read ended",
					slog.String("operator", claims.OperatorID),
					slog.Any("error", err))
			}
			return
		}
		s.dispatchCommand(r.Context(), connection, claims.OperatorID, cmd)
	}
}

func (s *Server) dispatchCommand(ctx context.Context, connection *convsync.Connection, operatorID string, cmd wsCommand) {
	switch cmd.Action {
	case "subscribe":
		if cmd.ConversationID == "" {
			return
		}
		s.service.SubscribeConversation(ctx, operatorID, cmd.ConversationID)
	case "unsubscribe":
		if cmd.ConversationID == "" {
			return
		}
		s.service.UnsubscribeConversation(operatorID, cmd.ConversationID)
	case "subscribe_dashboard":
		s.service.SubscribeDashboard(operatorID)
	case "unsubscribe_dashboard":
		s.service.UnsubscribeDashboard(operatorID)
	case "mark_read":
		if cmd.ConversationID == "" {
			return
		}
		if _, err := s.service.MarkRead(ctx, cmd.ConversationID, operatorID); err != nil {
			s.log.Warn("mark_read over websocket failed",
				slog.String("operator", operatorID),
				slog.String("conversation", cmd.ConversationID),
				slog.Any("error", err))
		}
	case "ping":
		_ = connection.Write(convsync.Envelope{
			Type:      convsync.EnvelopePong,
			Timestamp: time.Now().UTC(),
		})
	default:
		s.log.Debug("unknown websocket action",
			slog.String("operator", operatorID),
			slog.String("action", cmd.Action))
	}
}
