package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/ot"
	"collabServer/backend/internal/presence"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/session"
)

type Options struct {
	IdleEviction time.Duration
	TickInterval time.Duration
	// Tick 中单个文档驱逐/快照的上限，持久化卡住时不拖住整轮
	OpTimeout    time.Duration
	Clock        clock.WithTicker
	Logger       zerolog.Logger
}

// Broker 把客户端消息路由到文档状态存储、会话和在线状态，并负责 ack / 广播 / resync
type Broker struct {
	docs     collab.Service
	sessions *session.Manager
	presence *presence.Tracker

	mu      sync.RWMutex
	clients map[string]Client // participantID -> client

	idleEviction time.Duration
	tickInterval time.Duration
	opTimeout    time.Duration
	clock        clock.WithTicker
	log          zerolog.Logger
}

func NewBroker(docs collab.Service, sessions *session.Manager, tracker *presence.Tracker, opt Options) *Broker {
	if opt.IdleEviction <= 0 {
		opt.IdleEviction = 5 * time.Minute
	}
	if opt.TickInterval <= 0 {
		opt.TickInterval = time.Second
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = 5 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = clock.RealClock{}
	}
	return &Broker{
		docs:         docs,
		sessions:     sessions,
		presence:     tracker,
		clients:      make(map[string]Client),
		idleEviction: opt.IdleEviction,
		tickInterval: opt.TickInterval,
		opTimeout:    opt.OpTimeout,
		clock:        opt.Clock,
		log:          opt.Logger,
	}
}

func (b *Broker) register(participantID string, c Client) {
	b.mu.Lock()
	b.clients[participantID] = c
	b.mu.Unlock()
}

func (b *Broker) unregister(participantID string) Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.clients[participantID]
	delete(b.clients, participantID)
	return c
}

func (b *Broker) client(participantID string) Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clients[participantID]
}

// send 关键消息发送失败时关闭连接。可以在文档边界内调用。
func (b *Broker) send(c Client, msg protocol.ServerMessage) {
	if err := c.Send(msg); err != nil && msg.Critical() {
		b.log.Warn().Err(err).Str("type", string(msg.Kind())).Msg("critical send failed, closing client")
		c.Close()
	}
}

// broadcast 发给文档上除 except 外所有已激活的参与者
func (b *Broker) broadcast(docID, except string, msg protocol.ServerMessage) {
	for _, p := range b.sessions.Roster(docID) {
		if p.ID == except || (p.State != session.Active && p.State != session.Idle) {
			continue
		}
		if c := b.client(p.ID); c != nil {
			b.send(c, msg)
		}
	}
}

func participantInfo(p session.Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ParticipantID: p.ID,
		UserID:        p.UserID,
		DisplayName:   p.DisplayName,
		Color:         p.Color,
		State:         p.State.String(),
	}
}

func presenceEvent(ev protocol.PresenceEvent, p session.Participant) protocol.Presence {
	return protocol.Presence{
		DocumentID:  p.DocID,
		Event:       ev,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Color:       p.Color,
	}
}

// Join 加载文档，在文档边界内登记参与者并发送 joined 快照，然后通知其他人。
// 文档不存在时只给加入者发 UNKNOWN_DOCUMENT。
func (b *Broker) Join(ctx context.Context, docID string, u session.User, c Client) (session.Participant, error) {
	var res session.JoinResult
	err := b.docs.WithDocument(ctx, docID, func(v *collab.DocView) error {
		res = b.sessions.Join(docID, u)
		p := res.Participant
		if res.Replaced != nil {
			v.Forget(res.Replaced.ID)
		}
		v.Track(p.ID, v.Version())
		b.register(p.ID, c)

		doc := v.Document()
		roster := b.sessions.Roster(docID)
		infos := make([]protocol.ParticipantInfo, 0, len(roster))
		for _, rp := range roster {
			if rp.ID == p.ID {
				rp.State = session.Active
			}
			infos = append(infos, participantInfo(rp))
		}
		b.send(c, protocol.Joined{
			DocumentID:    docID,
			ParticipantID: p.ID,
			UserID:        p.UserID,
			Color:         p.Color,
			Version:       doc.Version,
			Content:       doc.Content,
			Participants:  infos,
		})
		if active, err := b.sessions.Activate(docID, p.ID); err == nil {
			res.Participant = active
		}

		if res.Replaced != nil {
			b.broadcast(docID, p.ID, presenceEvent(protocol.PresenceLeave, *res.Replaced))
		}
		b.broadcast(docID, p.ID, presenceEvent(protocol.PresenceJoin, res.Participant))
		return nil
	})
	if err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, collab.ErrUnknownDocument) {
			code = protocol.CodeUnknownDocument
		}
		b.send(c, protocol.Error{Code: code, Message: err.Error(), DocumentID: docID})
		return session.Participant{}, err
	}

	if res.Replaced != nil {
		if old := b.unregister(res.Replaced.ID); old != nil && old != c {
			old.Close()
		}
		b.presence.Left(ctx, *res.Replaced)
	}
	b.presence.Joined(ctx, res.Participant)
	b.log.Info().Str("doc", docID).Str("user", u.ID).Str("participant", res.Participant.ID).
		Str("color", res.Participant.Color).Bool("replaced", res.Replaced != nil).Msg("participant joined")
	return res.Participant, nil
}

// Leave 幂等：只有第一次会广播 leave
func (b *Broker) Leave(ctx context.Context, docID, participantID string) {
	if left, ok := b.sessions.Leave(docID, participantID); ok {
		b.finishLeave(ctx, left)
	}
}

// finishLeave 不能在文档边界内调用
func (b *Broker) finishLeave(ctx context.Context, p session.Participant) {
	b.unregister(p.ID)
	if err := b.docs.Forget(ctx, p.DocID, p.ID); err != nil {
		b.log.Warn().Err(err).Str("doc", p.DocID).Str("participant", p.ID).Msg("forget participant failed")
	}
	b.presence.Left(ctx, p)
	b.broadcast(p.DocID, p.ID, presenceEvent(protocol.PresenceLeave, p))
	b.log.Info().Str("doc", p.DocID).Str("user", p.UserID).Str("participant", p.ID).Msg("participant left")
}

// Disconnect 连接断开：离开它加入的所有文档
func (b *Broker) Disconnect(ctx context.Context, caller *Caller) {
	for docID, pid := range caller.drain() {
		b.Leave(ctx, docID, pid)
	}
}

// ReceiveOperation 校验参与者后交给文档状态存储。
// 存活检查、确认和应用都在同一个文档边界内完成，和 finishLeave 的 Forget 互斥。
// ack 和 remoteOp 也在边界内发出，每个客户端看到的版本严格递增。
// InvalidOperation 时只给来源发一次 resync。
func (b *Broker) ReceiveOperation(ctx context.Context, docID, userID string, op ot.Operation) error {
	p, err := b.sessions.ActiveByUser(docID, userID)
	if err != nil {
		return err
	}

	op.OriginUserID = userID
	admit := func(v *collab.DocView) error {
		// 排队期间可能已经离开
		if _, err := b.sessions.Touch(docID, p.ID); err != nil {
			return err
		}
		v.Acknowledge(p.ID, op.BaseVersion)
		return nil
	}
	_, err = b.docs.ApplyOperation(ctx, docID, op, admit, func(a collab.AppliedOp) {
		if origin := b.client(p.ID); origin != nil {
			b.send(origin, protocol.Ack{DocumentID: docID, ClientOpID: op.ClientOpID, Version: a.Version})
		}
		if a.Duplicate {
			return
		}
		b.broadcast(docID, p.ID, protocol.RemoteOp{
			DocumentID: docID,
			Version:    a.Version,
			UserID:     userID,
			ClientOpID: op.ClientOpID,
			Operations: protocol.FromSequence(a.Ops),
		})
	})
	if errors.Is(err, ot.ErrInvalidOperation) {
		b.log.Warn().Err(err).Str("doc", docID).Str("user", userID).Str("clientOpId", op.ClientOpID).
			Uint64("baseVersion", op.BaseVersion).Msg("operation rejected, resyncing origin")
		if rerr := b.Resync(ctx, docID, p.ID, nil); rerr != nil {
			b.log.Warn().Err(rerr).Str("doc", docID).Msg("resync failed")
		}
	}
	return err
}

// Resync 在文档边界内让一个参与者追上当前版本。
// from 非空且日志仍覆盖时逐条补发 remoteOp，否则发送完整内容。
func (b *Broker) Resync(ctx context.Context, docID, participantID string, from *uint64) error {
	c := b.client(participantID)
	if c == nil {
		return session.ErrStaleParticipant
	}
	return b.docs.WithDocument(ctx, docID, func(v *collab.DocView) error {
		if _, err := b.sessions.Participant(docID, participantID); err != nil {
			return err
		}
		if from != nil {
			if entries, ok := v.Since(*from); ok {
				for _, e := range entries {
					b.send(c, protocol.RemoteOp{
						DocumentID: docID,
						Version:    e.Version,
						UserID:     e.AuthorID,
						ClientOpID: e.ClientOpID,
						Operations: protocol.FromSequence(e.Ops),
					})
				}
				v.Acknowledge(participantID, v.Version())
				b.log.Debug().Str("doc", docID).Str("participant", participantID).Uint64("from", *from).
					Int("replayed", len(entries)).Msg("catch-up from log")
				return nil
			}
		}
		doc := v.Document()
		v.Acknowledge(participantID, doc.Version)
		b.send(c, protocol.Resync{DocumentID: docID, Version: doc.Version, Content: doc.Content})
		return nil
	})
}

// UpdateCursor 不经过文档状态存储，尽力广播
func (b *Broker) UpdateCursor(ctx context.Context, docID, userID string, cur protocol.Cursor) error {
	p, err := b.sessions.ActiveByUser(docID, userID)
	if err != nil {
		return err
	}
	sc := session.Cursor{Position: cur.Position}
	if cur.Selection != nil {
		sc.Selection = &session.Range{Anchor: cur.Selection.Anchor, Head: cur.Selection.Head}
	}
	if _, err := b.presence.UpdateCursor(ctx, docID, p.ID, sc); err != nil {
		return err
	}
	cur.DocumentID = docID
	cur.UserID = userID
	b.broadcast(docID, p.ID, cur)
	return nil
}

// Heartbeat 刷新存活；带 version 时顺便推进确认版本。
// 确认在离开之后才到达时由 Acknowledge 忽略。
func (b *Broker) Heartbeat(ctx context.Context, docID, userID string, version *uint64) error {
	p, err := b.sessions.ActiveByUser(docID, userID)
	if err != nil {
		return err
	}
	if _, err := b.presence.Heartbeat(ctx, docID, p.ID); err != nil {
		return err
	}
	if version != nil {
		return b.docs.Acknowledge(ctx, docID, p.ID, *version)
	}
	return nil
}

// Tick 执行一轮：心跳超时清理、空闲会话驱逐、到期快照
func (b *Broker) Tick(ctx context.Context) {
	for _, p := range b.presence.Sweep(ctx) {
		b.finishLeave(ctx, p)
	}

	now := b.clock.Now()
	for _, docID := range b.sessions.IdleSessions(now, b.idleEviction) {
		if err := b.evict(ctx, docID); err != nil {
			if !errors.Is(err, collab.ErrDocumentInUse) {
				b.log.Warn().Err(err).Str("doc", docID).Msg("evict failed, will retry")
			}
			continue
		}
		b.sessions.Remove(docID)
		b.log.Info().Str("doc", docID).Msg("idle session evicted")
	}

	// 只被 HTTP 读过、没有会话的文档
	sessions := make(map[string]bool)
	for _, id := range b.sessions.Documents() {
		sessions[id] = true
	}
	for _, docID := range b.docs.Resident() {
		if sessions[docID] {
			continue
		}
		if err := b.evict(ctx, docID); err != nil && !errors.Is(err, collab.ErrDocumentInUse) {
			b.log.Warn().Err(err).Str("doc", docID).Msg("evict failed, will retry")
		}
	}

	fctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	b.docs.FlushDue(fctx)
}

func (b *Broker) evict(ctx context.Context, docID string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	return b.docs.Evict(ctx, docID)
}

// Run 按 tickInterval 驱动 Tick，直到 ctx 结束
func (b *Broker) Run(ctx context.Context) error {
	t := b.clock.NewTicker(b.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			b.Tick(ctx)
		}
	}
}

type Inspection struct {
	Document     collab.Document
	Participants []session.Participant
	// redis 镜像中的成员，包含其他实例上的连接
	Mirrored     []presence.MirroredMember
}

func (b *Broker) Inspect(ctx context.Context, docID string) (Inspection, error) {
	doc, err := b.docs.GetDocument(ctx, docID)
	if err != nil {
		return Inspection{}, err
	}
	in := Inspection{Document: doc, Participants: b.sessions.Roster(docID)}
	if in.Mirrored, err = b.presence.Mirrored(ctx, docID); err != nil {
		b.log.Warn().Err(err).Str("doc", docID).Msg("read presence mirror failed")
		in.Mirrored = nil
	}
	return in, nil
}
