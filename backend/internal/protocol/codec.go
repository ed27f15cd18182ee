package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadMessage = errors.New("BAD_MESSAGE")

// DecodeClient 解析一条客户端消息；未知类型、缺少 documentId 都返回 ErrBadMessage
func DecodeClient(raw []byte) (ClientMessage, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	var msg ClientMessage
	var err error
	switch env.Type {
	case TypeJoin:
		var m Join
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeLeave:
		var m Leave
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeOp:
		var m OpSubmit
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeCursor:
		var m Cursor
		err = json.Unmarshal(raw, &m)
		m.UserID = ""
		msg = m
	case TypeHeartbeat:
		var m Heartbeat
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeResyncRequest:
		var m ResyncRequest
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadMessage, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadMessage, env.Type, err)
	}
	if msg.Document() == "" {
		return nil, fmt.Errorf("%w: %s without documentId", ErrBadMessage, env.Type)
	}
	return msg, nil
}

// Encode 填好 type 字段后序列化
func Encode(msg ServerMessage) ([]byte, error) {
	switch m := msg.(type) {
	case Joined:
		m.Type = TypeJoined
		return json.Marshal(m)
	case Ack:
		m.Type = TypeAck
		return json.Marshal(m)
	case RemoteOp:
		m.Type = TypeRemoteOp
		return json.Marshal(m)
	case Cursor:
		m.Type = TypeCursor
		return json.Marshal(m)
	case Presence:
		m.Type = TypePresence
		return json.Marshal(m)
	case Resync:
		m.Type = TypeResync
		return json.Marshal(m)
	case Error:
		m.Type = TypeError
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("unsupported server message %T", msg)
	}
}
