package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"collabServer/backend/internal/cache"
	"collabServer/backend/internal/session"
)

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// 可选：把在线状态镜像到 redis
	Cache  cache.PresenceCache
	Clock  clock.PassiveClock
	Logger zerolog.Logger
}

// Tracker 负责心跳、光标和超时清理。状态本身保存在 session.Manager 中。
type Tracker struct {
	sessions *session.Manager
	cache    cache.PresenceCache
	interval time.Duration
	timeout  time.Duration
	clock    clock.PassiveClock
	log      zerolog.Logger
}

func NewTracker(sessions *session.Manager, opt Options) *Tracker {
	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = 10 * time.Second
	}
	if opt.HeartbeatTimeout < opt.HeartbeatInterval {
		opt.HeartbeatTimeout = 3 * opt.HeartbeatInterval
	}
	if opt.Clock == nil {
		opt.Clock = clock.RealClock{}
	}
	return &Tracker{
		sessions: sessions,
		cache:    opt.Cache,
		interval: opt.HeartbeatInterval,
		timeout:  opt.HeartbeatTimeout,
		clock:    opt.Clock,
		log:      opt.Logger,
	}
}

// Joined 镜像一个刚加入的参与者
func (t *Tracker) Joined(ctx context.Context, p session.Participant) {
	t.mirror(ctx, p)
}

func (t *Tracker) Heartbeat(ctx context.Context, docID, participantID string) (session.Participant, error) {
	p, err := t.sessions.Touch(docID, participantID)
	if err != nil {
		return p, err
	}
	t.mirror(ctx, p)
	return p, nil
}

// UpdateCursor 记录最新光标，同时算作一次存活信号
func (t *Tracker) UpdateCursor(ctx context.Context, docID, participantID string, c session.Cursor) (session.Participant, error) {
	p, err := t.sessions.SetCursor(docID, participantID, c)
	if err != nil {
		return p, err
	}
	if t.cache != nil {
		b, _ := json.Marshal(c)
		if err := t.cache.SetCursor(ctx, docID, p.UserID, b, t.timeout); err != nil {
			t.log.Debug().Err(err).Str("doc", docID).Msg("cursor mirror failed")
		}
	}
	return p, nil
}

// Left 从镜像中删除参与者
func (t *Tracker) Left(ctx context.Context, p session.Participant) {
	if t.cache == nil {
		return
	}
	if err := t.cache.RemoveMember(ctx, p.DocID, p.UserID); err != nil {
		t.log.Warn().Err(err).Str("doc", p.DocID).Str("user", p.UserID).Msg("presence remove failed")
	}
}

// Sweep 错过一次心跳的 Active 参与者转为 Idle；超过超时的直接离开，
// 返回这些已被移除的参与者，由调用方广播 leave 并调用 Left
func (t *Tracker) Sweep(ctx context.Context) []session.Participant {
	now := t.clock.Now()
	var expired []session.Participant
	for _, docID := range t.sessions.Documents() {
		for _, p := range t.sessions.Roster(docID) {
			silent := now.Sub(p.LastSeen)
			switch {
			case silent >= t.timeout:
				if left, ok := t.sessions.Leave(docID, p.ID); ok {
					t.log.Info().Str("doc", docID).Str("participant", p.ID).Str("user", p.UserID).
						Dur("silent", silent).Msg("heartbeat timeout")
					expired = append(expired, left)
				}
			case silent >= t.interval && p.State == session.Active:
				_, _ = t.sessions.MarkIdle(docID, p.ID)
			}
		}
	}
	return expired
}

// MirroredMember 是 redis 镜像里的一个在线成员，可能来自其他实例
type MirroredMember struct {
	cache.PresenceMember
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// Mirrored 读取镜像中的在线成员及其光标；没有配置缓存时返回 nil
func (t *Tracker) Mirrored(ctx context.Context, docID string) ([]MirroredMember, error) {
	if t.cache == nil {
		return nil, nil
	}
	members, err := t.cache.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		return nil, err
	}
	out := make([]MirroredMember, 0, len(members))
	for _, m := range members {
		mm := MirroredMember{PresenceMember: m}
		cur, err := t.cache.GetCursor(ctx, docID, m.UserID)
		if err != nil {
			t.log.Debug().Err(err).Str("doc", docID).Str("user", m.UserID).Msg("cursor read failed")
		} else if len(cur) > 0 {
			mm.Cursor = cur
		}
		out = append(out, mm)
	}
	return out, nil
}

func (t *Tracker) mirror(ctx context.Context, p session.Participant) {
	if t.cache == nil {
		return
	}
	m := cache.PresenceMember{UserID: p.UserID, DisplayName: p.DisplayName, Color: p.Color}
	if err := t.cache.AddMember(ctx, p.DocID, m, t.timeout); err != nil {
		t.log.Warn().Err(err).Str("doc", p.DocID).Str("user", p.UserID).Msg("presence mirror failed")
	}
}
