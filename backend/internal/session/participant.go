package session

import (
	"errors"
	"time"
)

var ErrStaleParticipant = errors.New("STALE_PARTICIPANT")

// State 参与者连接状态：Connecting → Active ⇄ Idle → Disconnected（终态）
type State int

const (
	Connecting State = iota
	Active
	Idle
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Idle:
		return "idle"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

type User struct {
	ID          string
	DisplayName string
}

type Range struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type Cursor struct {
	Position  int    `json:"position"`
	Selection *Range `json:"selection,omitempty"`
}

// Participant 是某个用户在某个文档上的一次在线。重新加入会生成新的 Participant。
type Participant struct {
	ID          string
	DocID       string
	UserID      string
	DisplayName string
	Color       string
	State       State
	Cursor      *Cursor
	JoinedAt    time.Time
	LastSeen    time.Time
}

// Live 还在会话中（未断开）
func (p Participant) Live() bool {
	return p.State != Disconnected
}
