package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"collabServer/backend/internal/ot/delta"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// ErrInvalidOperation 操作越界或格式非法。对单个操作是致命的，对文档不是。
var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation 是一次纯文本编辑。Position/Length 都按 rune 计数，
// Position 相对于 BaseVersion 时刻的文档内容。
type Operation struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`   // insert 的内容
	Length   int    `json:"length,omitempty"` // delete 的长度

	BaseVersion uint64 `json:"baseVersion"`
	// 客户端生成的唯一 ID，用于 ack 匹配与去重
	ClientOpID   string `json:"clientOpId"`
	OriginUserID string `json:"originUserId,omitempty"`
}

// Sequence 按顺序依次应用的一组操作。
// 绝大多数情况下只有一个元素；delete 被并发 insert 切开时会变成两个。
type Sequence []Operation

func Insert(pos int, text string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Text: text}
}

func Delete(pos, length int) Operation {
	return Operation{Kind: KindDelete, Position: pos, Length: length}
}

// Size insert 返回文本 rune 数，delete 返回删除长度
func (op Operation) Size() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Length
}

// Noop 空插入或零长度删除
func (op Operation) Noop() bool {
	return op.Size() == 0
}

func (op Operation) Validate() error {
	switch op.Kind {
	case KindInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert", ErrInvalidOperation)
		}
	case KindDelete:
		if op.Length < 0 {
			return fmt.Errorf("%w: negative delete length %d", ErrInvalidOperation, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	return nil
}

// Delta 转成 retain/insert/delete 形式，交给内容缓冲区执行
func (op Operation) Delta() delta.Delta {
	var d delta.Delta
	if op.Position > 0 {
		d = append(d, delta.Op{Kind: delta.KindRetain, Count: op.Position})
	}
	switch op.Kind {
	case KindInsert:
		d = append(d, delta.Op{Kind: delta.KindInsert, Text: op.Text})
	case KindDelete:
		d = append(d, delta.Op{Kind: delta.KindDelete, Count: op.Length})
	}
	return d
}

// with 拷贝元数据，替换位置/载荷
func (op Operation) with(pos, length int) Operation {
	out := op
	out.Position = pos
	if op.Kind == KindDelete {
		out.Length = length
	}
	return out
}
