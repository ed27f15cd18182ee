package protocol

import (
	"collabServer/backend/internal/ot"
)

type Type string

// 客户端 -> 引擎
const (
	TypeJoin          Type = "join"
	TypeLeave         Type = "leave"
	TypeOp            Type = "op"
	TypeCursor        Type = "cursor"
	TypeHeartbeat     Type = "heartbeat"
	TypeResyncRequest Type = "resyncRequest"
)

// 引擎 -> 客户端（cursor 双向）
const (
	TypeJoined   Type = "joined"
	TypeAck      Type = "ack"
	TypeRemoteOp Type = "remoteOp"
	TypePresence Type = "presence"
	TypeResync   Type = "resync"
	TypeError    Type = "error"
)

// 错误码
const (
	CodeInvalidOperation = "INVALID_OPERATION"
	CodeUnknownDocument  = "UNKNOWN_DOCUMENT"
	CodeStaleParticipant = "STALE_PARTICIPANT"
	CodeBadMessage       = "BAD_MESSAGE"
	CodeNotJoined        = "NOT_JOINED"
	CodeInternal         = "INTERNAL"
)

// ClientMessage 是客户端消息的封闭集合，只有本包内的类型能实现
type ClientMessage interface {
	clientMessage()
	Document() string
}

// ServerMessage 是服务端消息的封闭集合
type ServerMessage interface {
	serverMessage()
	Kind() Type
	// 非关键消息（cursor / presence）在背压下可以丢弃
	Critical() bool
}

// Op 是线上的编辑操作，不带版本与来源元数据
type Op struct {
	Kind     ot.Kind `json:"kind"`
	Position int     `json:"position"`
	Text     string  `json:"text,omitempty"`
	Length   int     `json:"length,omitempty"`
}

func (o Op) Operation() ot.Operation {
	return ot.Operation{Kind: o.Kind, Position: o.Position, Text: o.Text, Length: o.Length}
}

func FromOperation(op ot.Operation) Op {
	return Op{Kind: op.Kind, Position: op.Position, Text: op.Text, Length: op.Length}
}

func FromSequence(seq ot.Sequence) []Op {
	out := make([]Op, len(seq))
	for i, op := range seq {
		out[i] = FromOperation(op)
	}
	return out
}

type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type Join struct {
	Type       Type   `json:"type"`
	DocumentID string `json:"documentId"`
}

type Leave struct {
	Type       Type   `json:"type"`
	DocumentID string `json:"documentId"`
}

type OpSubmit struct {
	Type        Type   `json:"type"`
	DocumentID  string `json:"documentId"`
	ClientOpID  string `json:"clientOpId"`
	BaseVersion uint64 `json:"baseVersion"`
	Operation   Op     `json:"operation"`
}

// Cursor 客户端上报时 UserID 被忽略，由服务端填写
type Cursor struct {
	Type       Type       `json:"type"`
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId,omitempty"`
	Position   int        `json:"position"`
	Selection  *Selection `json:"selection,omitempty"`
}

type Heartbeat struct {
	Type       Type   `json:"type"`
	DocumentID string `json:"documentId"`
	// 客户端已看到的最新版本，用于裁剪版本日志
	Version *uint64 `json:"version,omitempty"`
}

// ResyncRequest 带 version 表示客户端停在该版本且没有未确认的操作，
// 日志仍覆盖时服务端补发之后的 remoteOp，否则回完整 resync
type ResyncRequest struct {
	Type       Type    `json:"type"`
	DocumentID string  `json:"documentId"`
	Version    *uint64 `json:"version,omitempty"`
}

type ParticipantInfo struct {
	ParticipantID string `json:"participantId"`
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	Color         string `json:"color"`
	State         string `json:"state"`
}

type Joined struct {
	Type          Type              `json:"type"`
	DocumentID    string            `json:"documentId"`
	ParticipantID string            `json:"participantId"`
	UserID        string            `json:"userId"`
	Color         string            `json:"color"`
	Version       uint64            `json:"version"`
	Content       string            `json:"content"`
	Participants  []ParticipantInfo `json:"participants"`
}

type Ack struct {
	Type       Type   `json:"type"`
	DocumentID string `json:"documentId"`
	ClientOpID string `json:"clientOpId"`
	Version    uint64 `json:"version"`
}

// RemoteOp 的 Operations 按顺序应用到 Version-1 的内容上；
// 一个 delete 被并发 insert 切开时会有两个元素
type RemoteOp struct {
	Type       Type   `json:"type"`
	DocumentID string `json:"documentId"`
	Version    uint64 `json:"version"`
	UserID     string `json:"userId"`
	// 与 UserID 一起用于客户端对同位置插入做同样的排序
	ClientOpID string `json:"clientOpId"`
	Operations []Op   `json:"operations"`
}

type PresenceEvent string

const (
	PresenceJoin  PresenceEvent = "join"
	PresenceLeave PresenceEvent = "leave"
)

type Presence struct {
	Type        Type          `json:"type"`
	DocumentID  string        `json:"documentId"`
	Event       PresenceEvent `json:"event"`
	UserID      string        `json:"userId"`
	DisplayName string        `json:"displayName"`
	Color       string        `json:"color"`
}

type Resync struct {
	Type       Type   `json:"type"`
	DocumentID string `json:"documentId"`
	Version    uint64 `json:"version"`
	Content    string `json:"content"`
}

type Error struct {
	Type       Type   `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	DocumentID string `json:"documentId,omitempty"`
	ClientOpID string `json:"clientOpId,omitempty"`
}

func (Join) clientMessage()          {}
func (Leave) clientMessage()         {}
func (OpSubmit) clientMessage()      {}
func (Cursor) clientMessage()        {}
func (Heartbeat) clientMessage()     {}
func (ResyncRequest) clientMessage() {}

func (m Join) Document() string          { return m.DocumentID }
func (m Leave) Document() string         { return m.DocumentID }
func (m OpSubmit) Document() string      { return m.DocumentID }
func (m Cursor) Document() string        { return m.DocumentID }
func (m Heartbeat) Document() string     { return m.DocumentID }
func (m ResyncRequest) Document() string { return m.DocumentID }

func (Joined) serverMessage()   {}
func (Ack) serverMessage()      {}
func (RemoteOp) serverMessage() {}
func (Cursor) serverMessage()   {}
func (Presence) serverMessage() {}
func (Resync) serverMessage()   {}
func (Error) serverMessage()    {}

func (Joined) Kind() Type   { return TypeJoined }
func (Ack) Kind() Type      { return TypeAck }
func (RemoteOp) Kind() Type { return TypeRemoteOp }
func (Cursor) Kind() Type   { return TypeCursor }
func (Presence) Kind() Type { return TypePresence }
func (Resync) Kind() Type   { return TypeResync }
func (Error) Kind() Type    { return TypeError }

func (Joined) Critical() bool   { return true }
func (Ack) Critical() bool      { return true }
func (RemoteOp) Critical() bool { return true }
func (Cursor) Critical() bool   { return false }
func (Presence) Critical() bool { return false }
func (Resync) Critical() bool   { return true }
func (Error) Critical() bool    { return true }
