package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"ChannelGateway/tools/errs"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Transport is the gateway's view of one client socket.
type Transport interface {
	// Send queues data for delivery without blocking.
	Send(data []byte) error
	// Close sends a close frame with code and reason and releases the socket.
	Close(code int, reason string) error
	Open() bool
}

// ===== 配置 =====

type ConnOptions struct {
	SendQueue      int           // 每连接发送队列长度
	WriteWait      time.Duration // 单次写超时
	PingInterval   time.Duration // 心跳间隔
	PongWait       time.Duration // 读超时，收到 pong 续期
	MaxMessageSize int64
}

func (o *ConnOptions) norm() {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
}

// WsConn wraps a gorilla connection. One writer goroutine drains the send
// queue; the send channel is never closed, quit signals shutdown instead.
type WsConn struct {
	ID string

	conn *websocket.Conn
	opts ConnOptions
	log  *zap.Logger

	send      chan []byte
	quit      chan struct{}
	open      atomic.Bool
	closeOnce sync.Once
}

func NewWsConn(ws *websocket.Conn, opts ConnOptions, log *zap.Logger) *WsConn {
	opts.norm()
	if log == nil {
		log = zap.NewNop()
	}
	c := &WsConn{
		conn: ws,
		opts: opts,
		log:  log,
		send: make(chan []byte, opts.SendQueue),
		quit: make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *WsConn) Open() bool { return c.open.Load() }

func (c *WsConn) Send(data []byte) error {
	if !c.open.Load() {
		return errs.ErrDeliveryFailure.WrapMsg("connection closed")
	}
	select {
	case <-c.quit:
		return errs.ErrDeliveryFailure.WrapMsg("connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errs.ErrDeliveryFailure.WrapMsg("send queue full")
	}
}

func (c *WsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.quit)
		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.opts.WriteWait))
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	})
	if err == websocket.ErrCloseSent {
		err = nil
	}
	return err
}

// abort drops the socket without a close frame, used once writes have failed.
func (c *WsConn) abort() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.quit)
		_ = c.conn.Close()
	})
}

// writePump 业务帧优先，其次心跳；写失败即退出并关闭底层连接
func (c *WsConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write failed", zap.String("conn_id", c.ID), zap.Error(err))
				c.abort()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.log.Debug("ping failed", zap.String("conn_id", c.ID), zap.Error(err))
				c.abort()
				return
			}
		case <-c.quit:
			return
		}
	}
}
