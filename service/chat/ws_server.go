package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	midsec "ChannelGateway/middleware/security"
	"ChannelGateway/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWS upgrades the request and serves the connection until it closes.
// The identity comes from the auth middleware; without one the socket is
// closed with 1008 right after the upgrade.
func (s *Server) HandleWS(c *gin.Context) {
	if s.closing.Load() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	identity := midsec.IdentityFrom(c)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.log.Info("upgrade failed", zap.Error(err))
		return
	}

	wc := NewWsConn(ws, s.connOpts, s.log)
	ctx := context.Background()
	connID, err := s.Accept(ctx, wc, identity)
	if err != nil {
		return
	}
	wc.ID = connID

	safe.Go("ws-write", wc.writePump)
	s.readLoop(ctx, wc)
}

// readLoop 只读不写；出错即退出，由 Disconnect 收尾
func (s *Server) readLoop(ctx context.Context, wc *WsConn) {
	ws := wc.conn
	defer func() {
		s.Disconnect(ctx, wc.ID)
		_ = wc.Close(websocket.CloseNormalClosure, "")
	}()

	ws.SetReadLimit(s.connOpts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.connOpts.PongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.connOpts.PongWait))
		s.Touch(ctx, wc.ID)
		return nil
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Debug("peer closed", zap.String("conn_id", wc.ID))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Info("read timeout", zap.String("conn_id", wc.ID))
			} else {
				s.log.Debug("read error", zap.String("conn_id", wc.ID), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = s.HandleFrame(ctx, wc.ID, data)
	}
}
