package ot

import (
	"fmt"
	"unicode/utf8"
)

// Normalize 针对长度为 length 的文档检查 seq 中每一步的位置，
// 越界的 delete 长度被截到文档末尾。不修改内容，只做校验。
func Normalize(length int, seq Sequence) (Sequence, error) {
	out := make(Sequence, 0, len(seq))
	for _, op := range seq {
		if op.Position < 0 || op.Position > length {
			return nil, fmt.Errorf("%w: %s at %d outside [0,%d]", ErrInvalidOperation, op.Kind, op.Position, length)
		}
		switch op.Kind {
		case KindInsert:
			length += op.Size()
		case KindDelete:
			if op.Length < 0 {
				return nil, fmt.Errorf("%w: negative delete length %d", ErrInvalidOperation, op.Length)
			}
			if op.Position+op.Length > length {
				op.Length = length - op.Position
			}
			length -= op.Length
		default:
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
		}
		out = append(out, op)
	}
	return out, nil
}

// Apply 把一个（已变换的）操作应用到 content 上
func Apply(content string, op Operation) (string, error) {
	return ApplySequence(content, Sequence{op})
}

func ApplySequence(content string, seq Sequence) (string, error) {
	seq, err := Normalize(utf8.RuneCountInString(content), seq)
	if err != nil {
		return "", err
	}
	r := []rune(content)
	for _, op := range seq {
		switch op.Kind {
		case KindInsert:
			ins := []rune(op.Text)
			next := make([]rune, 0, len(r)+len(ins))
			next = append(next, r[:op.Position]...)
			next = append(next, ins...)
			r = append(next, r[op.Position:]...)
		case KindDelete:
			r = append(r[:op.Position], r[op.Position+op.Length:]...)
		}
	}
	return string(r), nil
}
