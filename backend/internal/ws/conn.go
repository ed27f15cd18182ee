package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabServer/backend/internal/protocol"
)

var (
	ErrConnClosed = errors.New("connection closed")
	// 关键队列满，连接已被强制关闭
	ErrSlowConsumer = errors.New("slow consumer")
	// 尽力队列满，消息被丢弃
	ErrDropped = errors.New("message dropped")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

// Conn 一条 WebSocket 连接，实现 engine.Client。
// 两个出站队列：critical（joined/ack/remoteOp/resync/error）满了直接断开，
// bestEffort（cursor/presence）满了丢弃。
type Conn struct {
	ID string

	ws         *websocket.Conn
	critical   chan protocol.ServerMessage
	bestEffort chan protocol.ServerMessage

	closeOnce sync.Once
	closed    chan struct{}
	log       zerolog.Logger
}

func NewConn(ws *websocket.Conn, criticalSize, bestEffortSize int, log zerolog.Logger) *Conn {
	if criticalSize <= 0 {
		criticalSize = 256
	}
	if bestEffortSize <= 0 {
		bestEffortSize = 64
	}
	id := uuid.NewString()
	return &Conn{
		ID:         id,
		ws:         ws,
		critical:   make(chan protocol.ServerMessage, criticalSize),
		bestEffort: make(chan protocol.ServerMessage, bestEffortSize),
		closed:     make(chan struct{}),
		log:        log.With().Str("conn", id).Logger(),
	}
}

// Send 从不阻塞
func (c *Conn) Send(msg protocol.ServerMessage) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if !msg.Critical() {
		select {
		case c.bestEffort <- msg:
			return nil
		default:
			return ErrDropped
		}
	}
	select {
	case c.critical <- msg:
		return nil
	default:
		c.log.Warn().Str("type", string(msg.Kind())).Msg("critical queue full, closing connection")
		c.Close()
		return ErrSlowConsumer
	}
}

// Close 可重复调用；只关闭信号，真正的 socket 由 writeLoop 关闭
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// writeLoop 关键消息优先；退出时关闭底层 socket，readLoop 随之返回
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.critical:
			if !c.write(msg) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.closed:
			c.flushCritical()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.critical:
			if !c.write(msg) {
				return
			}
		case msg := <-c.bestEffort:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushCritical 关闭前尽量把已排队的关键消息（比如最后的 error）发出去
func (c *Conn) flushCritical() {
	for {
		select {
		case msg := <-c.critical:
			if !c.write(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(msg protocol.ServerMessage) bool {
	b, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(msg.Kind())).Msg("encode failed")
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.log.Debug().Err(err).Msg("write failed")
		c.Close()
		return false
	}
	return true
}

// readLoop 阻塞读取，直到连接出错或被关闭
func (c *Conn) readLoop(ctx context.Context, handle func(ctx context.Context, raw []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		// 任何入站消息都说明对端还活着
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(ctx, raw)
	}
}
