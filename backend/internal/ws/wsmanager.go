package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/engine"
	"collabServer/backend/internal/session"
)

// 本地开发默认允许的来源
var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Options struct {
	SendQueue       int
	BestEffortQueue int
	AllowedOrigins  []string
	// 限制同时处理的入站消息数
	Sem    *collab.SemaphoreControl
	Logger zerolog.Logger
}

type Manager struct {
	hub      *Hub
	broker   *engine.Broker
	upgrader websocket.Upgrader
	opt      Options
	log      zerolog.Logger
}

func NewManager(h *Hub, broker *engine.Broker, opt Options) *Manager {
	if len(opt.AllowedOrigins) == 0 {
		opt.AllowedOrigins = defaultOrigins
	}
	m := &Manager{hub: h, broker: broker, opt: opt, log: opt.Logger}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	return m.AllowOrigin(r.Header.Get("Origin"))
}

// AllowOrigin 按前缀匹配来源，HTTP 的 CORS 也复用这套规则
func (m *Manager) AllowOrigin(origin string) bool {
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 升级连接并把入站消息交给 Broker，断开时离开所有已加入的文档。
// 需要 AuthMiddleware 先写入 userId/username。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	user := session.User{
		ID:          strconv.FormatUint(c.GetUint64("userId"), 10),
		DisplayName: c.GetString("username"),
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	conn := NewConn(wsConn, m.opt.SendQueue, m.opt.BestEffortQueue, m.log.With().Str("user", user.ID).Logger())
	caller := engine.NewCaller(user, conn)
	m.hub.Add(conn)
	m.log.Info().Str("conn", conn.ID).Str("user", user.ID).Msg("websocket connected")

	// 先启动写循环，确保 joined 等消息能及时发出
	go conn.writeLoop()

	ctx, cancel := context.WithCancel(c.Request.Context())
	go func() {
		select {
		case <-conn.Done():
			// 被 Broker 或慢消费者检测关闭：解除 readLoop 中的阻塞处理
			cancel()
		case <-ctx.Done():
		}
	}()
	conn.readLoop(ctx, m.handle(caller))
	cancel()

	// 请求 ctx 已结束，离开文档需要独立的 ctx
	leaveCtx, leaveCancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Second)
	m.broker.Disconnect(leaveCtx, caller)
	leaveCancel()
	conn.Close()
	m.hub.Remove(conn)
	m.log.Info().Str("conn", conn.ID).Str("user", user.ID).Msg("websocket disconnected")
}

func (m *Manager) handle(caller *engine.Caller) func(ctx context.Context, raw []byte) {
	return func(ctx context.Context, raw []byte) {
		if m.opt.Sem != nil {
			if err := m.opt.Sem.Acquire(ctx); err != nil {
				return
			}
			defer func() { _ = m.opt.Sem.Release() }()
		}
		m.broker.HandleMessage(ctx, caller, raw)
	}
}
