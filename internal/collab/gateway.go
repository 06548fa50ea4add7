package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/copydesk/copydesk/internal/auth"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1 << 20
	disconnectTimeout = 5 * time.Second
)

var (
	errMissingHub            = errors.New("hub is required")
	errMissingTokenValidator = errors.New("token validator is required")
)

// TokenValidator authenticates the token presented at connection time.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

type GatewayConfig struct {
	Hub        *Hub
	Auth       TokenValidator
	SendBuffer int
	Logger     *zap.Logger
}

// Gateway upgrades HTTP requests to collaboration connections, authenticates
// them, and pumps frames between the socket and the hub.
type Gateway struct {
	hub        *Hub
	auth       TokenValidator
	sendBuffer int
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Auth == nil {
		return nil, errMissingTokenValidator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Gateway{
		hub:        cfg.Hub,
		auth:       cfg.Auth,
		sendBuffer: cfg.SendBuffer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Access is gated by the session token, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handle upgrades the request and runs the connection until it dies. Token
// validation happens after the upgrade so the rejection reaches the client
// as a connect_error frame.
func (g *Gateway) Handle(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			zap.String("operation", "gateway.upgrade"),
			zap.Error(err))
		return
	}

	identity, err := g.auth.ValidateToken(auth.TokenFromRequest(c.Request))
	if err != nil {
		g.reject(conn, err)
		return
	}

	client := NewClient(identity, g.sendBuffer, g.logger)
	g.logger.Info("collab connection established",
		zap.String("connection_id", client.ID),
		zap.Int64("user_id", identity.UserID),
		zap.String("username", identity.Username))

	go g.writePump(conn, client)
	g.readPump(conn, client)
}

func (g *Gateway) reject(conn *websocket.Conn, cause error) {
	data, err := encodeFrame(EventConnectError, ErrorPayload{
		Code:    CodeUnauthenticated,
		Message: "invalid or missing token",
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"),
		time.Now().Add(writeWait))
	conn.Close()
	g.logger.Warn("collab connection rejected",
		zap.String("operation", "gateway.connect"),
		zap.Error(cause))
}

func (g *Gateway) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		g.hub.Disconnect(ctx, client)
		cancel()
		client.Close()
		conn.Close()
		g.logger.Info("collab connection closed",
			zap.String("connection_id", client.ID),
			zap.Int64("user_id", client.Identity.UserID))
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.logger.Warn("collab read failed",
					zap.String("connection_id", client.ID),
					zap.Error(err))
			}
			return
		}
		g.dispatch(client, data)
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dispatch routes one inbound frame. Events are handled on the reader
// goroutine so a connection's events are processed in arrival order.
func (g *Gateway) dispatch(client *Client, data []byte) {
	ctx := context.Background()

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.invalidRequest(client, "malformed frame")
		return
	}

	switch frame.Event {
	case EventJoinPage:
		var req JoinPageRequest
		if !g.decode(client, frame.Data, &req) {
			return
		}
		if req.PageID <= 0 {
			g.invalidRequest(client, "pageId is required")
			return
		}
		if req.Mode != ModeEditing && req.Mode != ModeViewing {
			g.invalidRequest(client, "mode must be editing or viewing")
			return
		}
		g.hub.JoinPage(ctx, client, req)
	case EventLeavePage:
		var req LeavePageRequest
		if !g.decode(client, frame.Data, &req) {
			return
		}
		if req.PageID <= 0 {
			g.invalidRequest(client, "pageId is required")
			return
		}
		g.hub.LeavePage(ctx, client, req)
	case EventContentChange:
		var req ContentChangeRequest
		if !g.decode(client, frame.Data, &req) {
			return
		}
		if req.PageID <= 0 {
			g.invalidRequest(client, "pageId is required")
			return
		}
		g.hub.ContentChange(ctx, client, req)
	case EventCursorMove:
		var req CursorMoveRequest
		if !g.decode(client, frame.Data, &req) {
			return
		}
		if req.PageID <= 0 {
			g.invalidRequest(client, "pageId is required")
			return
		}
		g.hub.CursorMove(client, req)
	case EventPublish:
		var req PublishRequest
		if !g.decode(client, frame.Data, &req) {
			return
		}
		if req.PageID <= 0 {
			g.invalidRequest(client, "pageId is required")
			return
		}
		g.hub.Publish(ctx, client, req)
	case EventRevert:
		var req RevertRequest
		if !g.decode(client, frame.Data, &req) {
			return
		}
		if req.PageID <= 0 {
			g.invalidRequest(client, "pageId is required")
			return
		}
		g.hub.Revert(ctx, client, req)
	case EventJoinAdminLive:
		g.hub.JoinAdminLive(ctx, client)
	case EventLeaveAdminLive:
		g.hub.LeaveAdminLive(client)
	default:
		g.invalidRequest(client, "unsupported event")
	}
}

func (g *Gateway) decode(client *Client, data json.RawMessage, v any) bool {
	if len(data) == 0 {
		g.invalidRequest(client, "missing payload")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		g.invalidRequest(client, "malformed payload")
		return false
	}
	return true
}

func (g *Gateway) invalidRequest(client *Client, message string) {
	client.Enqueue(EventError, ErrorPayload{Code: CodeInvalidRequest, Message: message})
}
