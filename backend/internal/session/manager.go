package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Session 某个文档上的全部在线参与者，每个 Session 有自己的锁
type Session struct {
	mu           sync.Mutex
	docID        string
	cfg          Config
	participants map[string]*Participant // participantID -> participant
	byUser       map[string]string       // userID -> participantID
	nextColor    int
	emptySince   time.Time
	// 已被 Remove 摘掉，Join 需要重新获取会话
	removed bool
}

// Manager 按文档 ID 持有会话；map 本身只在增删会话时加写锁
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
	clock    clock.PassiveClock
}

type JoinResult struct {
	Participant Participant
	// 同一用户之前的在线参与者，已被替换为 Disconnected
	Replaced *Participant
}

func NewManager(cfg Config, clk clock.PassiveClock) *Manager {
	if len(cfg.Palette) == 0 {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{sessions: make(map[string]*Session), cfg: cfg, clock: clk}
}

func (m *Manager) get(docID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[docID]
}

func (m *Manager) getOrCreate(docID string) *Session {
	if s := m.get(docID); s != nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[docID]
	if s == nil {
		s = &Session{
			docID:        docID,
			cfg:          m.cfg,
			participants: make(map[string]*Participant),
			byUser:       make(map[string]string),
			emptySince:   m.clock.Now(),
		}
		m.sessions[docID] = s
	}
	return s
}

// Join 创建（或复用）会话并加入一个新的 Connecting 参与者
func (m *Manager) Join(docID string, u User) JoinResult {
	for {
		s := m.getOrCreate(docID)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		res := s.join(u, m.clock.Now())
		s.mu.Unlock()
		return res
	}
}

func (s *Session) join(u User, now time.Time) JoinResult {
	var res JoinResult
	if oldID, ok := s.byUser[u.ID]; ok {
		old := s.participants[oldID]
		old.State = Disconnected
		delete(s.participants, oldID)
		delete(s.byUser, u.ID)
		cp := *old
		res.Replaced = &cp
	}

	used := make(map[string]bool, len(s.participants))
	for _, p := range s.participants {
		used[p.Color] = true
	}
	color, next := pickColor(s.cfg.Palette, s.nextColor, used, s.docID, u.ID)
	s.nextColor = next

	p := &Participant{
		ID:          uuid.NewString(),
		DocID:       s.docID,
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Color:       color,
		State:       Connecting,
		JoinedAt:    now,
		LastSeen:    now,
	}
	s.participants[p.ID] = p
	s.byUser[u.ID] = p.ID
	res.Participant = *p
	return res
}

// with 在会话锁内操作某个仍在线的参与者
func (m *Manager) with(docID, participantID string, fn func(s *Session, p *Participant) error) (Participant, error) {
	s := m.get(docID)
	if s == nil {
		return Participant{}, ErrStaleParticipant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok || !p.Live() {
		return Participant{}, ErrStaleParticipant
	}
	if fn != nil {
		if err := fn(s, p); err != nil {
			return Participant{}, err
		}
	}
	return *p, nil
}

// Activate Connecting → Active，join 快照发出后调用
func (m *Manager) Activate(docID, participantID string) (Participant, error) {
	return m.with(docID, participantID, func(_ *Session, p *Participant) error {
		if p.State == Connecting {
			p.State = Active
			p.LastSeen = m.clock.Now()
		}
		return nil
	})
}

// Touch 记录一次存活信号，Idle → Active
func (m *Manager) Touch(docID, participantID string) (Participant, error) {
	return m.with(docID, participantID, func(_ *Session, p *Participant) error {
		p.LastSeen = m.clock.Now()
		if p.State == Idle {
			p.State = Active
		}
		return nil
	})
}

// MarkIdle Active → Idle，错过一次心跳
func (m *Manager) MarkIdle(docID, participantID string) (Participant, error) {
	return m.with(docID, participantID, func(_ *Session, p *Participant) error {
		if p.State == Active {
			p.State = Idle
		}
		return nil
	})
}

func (m *Manager) SetCursor(docID, participantID string, c Cursor) (Participant, error) {
	return m.with(docID, participantID, func(_ *Session, p *Participant) error {
		p.Cursor = &c
		p.LastSeen = m.clock.Now()
		if p.State == Idle {
			p.State = Active
		}
		return nil
	})
}

func (m *Manager) Participant(docID, participantID string) (Participant, error) {
	return m.with(docID, participantID, nil)
}

// ActiveByUser 返回该用户在文档上的在线参与者（Active 或 Idle）
func (m *Manager) ActiveByUser(docID, userID string) (Participant, error) {
	s := m.get(docID)
	if s == nil {
		return Participant{}, ErrStaleParticipant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUser[userID]
	if !ok {
		return Participant{}, ErrStaleParticipant
	}
	p := s.participants[id]
	if p.State != Active && p.State != Idle {
		return Participant{}, ErrStaleParticipant
	}
	return *p, nil
}

// Leave 移除参与者并释放颜色。幂等：只有第一次调用返回 true。
func (m *Manager) Leave(docID, participantID string) (Participant, bool) {
	s := m.get(docID)
	if s == nil {
		return Participant{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return Participant{}, false
	}
	p.State = Disconnected
	delete(s.participants, participantID)
	if s.byUser[p.UserID] == participantID {
		delete(s.byUser, p.UserID)
	}
	if len(s.participants) == 0 {
		s.emptySince = m.clock.Now()
	}
	return *p, true
}

// Roster 按加入时间排序的在线参与者
func (m *Manager) Roster(docID string) []Participant {
	s := m.get(docID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (m *Manager) Documents() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IdleSessions 列出空置超过 idle 的会话
func (m *Manager) IdleSessions(now time.Time, idle time.Duration) []string {
	var out []string
	for _, id := range m.Documents() {
		s := m.get(id)
		if s == nil {
			continue
		}
		s.mu.Lock()
		if len(s.participants) == 0 && now.Sub(s.emptySince) >= idle {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	return out
}

// Remove 仅在会话仍为空时删除它
func (m *Manager) Remove(docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[docID]
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.participants) > 0 {
		return false
	}
	s.removed = true
	delete(m.sessions, docID)
	return true
}
