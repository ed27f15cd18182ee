package engine

import (
	"context"
	"errors"

	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/ot"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/session"
)

var errNotJoined = errors.New("not joined")

// HandleMessage 解码一条客户端消息并分发。错误只回给这个连接。
func (b *Broker) HandleMessage(ctx context.Context, caller *Caller, raw []byte) {
	msg, err := protocol.DecodeClient(raw)
	if err != nil {
		b.send(caller.Client, protocol.Error{Code: protocol.CodeBadMessage, Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case protocol.Join:
		p, err := b.Join(ctx, m.DocumentID, caller.User, caller.Client)
		if err == nil {
			caller.setParticipant(m.DocumentID, p.ID)
		}

	case protocol.Leave:
		pid, ok := caller.dropParticipant(m.DocumentID)
		if !ok {
			b.replyErr(caller, m.DocumentID, "", errNotJoined)
			return
		}
		b.Leave(ctx, m.DocumentID, pid)

	case protocol.OpSubmit:
		if err := b.checkJoined(caller, m.DocumentID); err != nil {
			b.replyErr(caller, m.DocumentID, m.ClientOpID, err)
			return
		}
		op := m.Operation.Operation()
		op.BaseVersion = m.BaseVersion
		op.ClientOpID = m.ClientOpID
		err := b.ReceiveOperation(ctx, m.DocumentID, caller.User.ID, op)
		// InvalidOperation 已经通过 resync 处理
		if err != nil && !errors.Is(err, ot.ErrInvalidOperation) {
			b.replyErr(caller, m.DocumentID, m.ClientOpID, err)
		}

	case protocol.Cursor:
		if err := b.checkJoined(caller, m.DocumentID); err != nil {
			b.replyErr(caller, m.DocumentID, "", err)
			return
		}
		if err := b.UpdateCursor(ctx, m.DocumentID, caller.User.ID, m); err != nil {
			b.replyErr(caller, m.DocumentID, "", err)
		}

	case protocol.Heartbeat:
		if err := b.checkJoined(caller, m.DocumentID); err != nil {
			b.replyErr(caller, m.DocumentID, "", err)
			return
		}
		if err := b.Heartbeat(ctx, m.DocumentID, caller.User.ID, m.Version); err != nil {
			b.replyErr(caller, m.DocumentID, "", err)
		}

	case protocol.ResyncRequest:
		pid, ok := caller.participant(m.DocumentID)
		if !ok {
			b.replyErr(caller, m.DocumentID, "", errNotJoined)
			return
		}
		if err := b.Resync(ctx, m.DocumentID, pid, m.Version); err != nil {
			b.replyErr(caller, m.DocumentID, "", err)
		}
	}
}

// checkJoined 这个连接是否以仍在线的参与者身份加入了文档
func (b *Broker) checkJoined(caller *Caller, docID string) error {
	pid, ok := caller.participant(docID)
	if !ok {
		return errNotJoined
	}
	_, err := b.sessions.Participant(docID, pid)
	return err
}

func (b *Broker) replyErr(caller *Caller, docID, clientOpID string, err error) {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, errNotJoined):
		code = protocol.CodeNotJoined
	case errors.Is(err, session.ErrStaleParticipant):
		code = protocol.CodeStaleParticipant
	case errors.Is(err, collab.ErrUnknownDocument):
		code = protocol.CodeUnknownDocument
	case errors.Is(err, ot.ErrInvalidOperation):
		code = protocol.CodeInvalidOperation
	default:
		b.log.Error().Err(err).Str("doc", docID).Str("user", caller.User.ID).Msg("message handling failed")
	}
	b.replyError(caller, docID, clientOpID, code, err.Error())
}

func (b *Broker) replyError(caller *Caller, docID, clientOpID, code, message string) {
	b.send(caller.Client, protocol.Error{Code: code, Message: message, DocumentID: docID, ClientOpID: clientOpID})
}
