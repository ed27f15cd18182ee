package collab

import (
	"fmt"
	"strings"

	"collabServer/backend/internal/ot"
	"collabServer/backend/internal/ot/delta"
)

type bufferKind int

const (
	//iota：在 const (...) 里从 0 开始自动递增。换句话说，这里：bufOriginal = 0, bufAdd = 1
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int // 偏移量
	length int
}

type PieceTable struct {
	// 原始文本切片
	original []rune
	// 新增文本切片
	add []rune
	// 分片列表
	pieces []piece
	// 缓存总长度，避免每次遍历
	size int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, size: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	return pt.size
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	sb.Grow(pt.size)
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Apply 执行一个 delta。越界返回 ot.ErrInvalidOperation，调用方应先用 ot.Normalize 校验，
// 这里的检查只是最后一道防线。
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	//retain: 沿 piece 列表向前走，对应“移动 pos”；
	//insert: 在当前 pos 调用 insert 流程；
	//delete: 在当前 pos 调用 delete 流程（通过调整/合并 piece）。
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if op.Count < 0 || pos+op.Count > pt.size {
				return fmt.Errorf("%w: retain to %d beyond length %d", ot.ErrInvalidOperation, pos+op.Count, pt.size)
			}
			pos += op.Count

		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)

		case delta.KindDelete:
			if op.Count < 0 || pos+op.Count > pt.size {
				return fmt.Errorf("%w: delete %d at %d beyond length %d", ot.ErrInvalidOperation, op.Count, pos, pt.size)
			}
			pt.delete(pos, op.Count)

		default:
			return fmt.Errorf("%w: unknown delta kind %q", ot.ErrInvalidOperation, op.Kind)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) int {
	dRune := []rune(text)
	if len(dRune) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, dRune...)
	length := len(dRune)

	idx, offset := pt.locate(pos)
	newPiece := piece{buf: bufAdd, offset: start, length: length}

	if idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		leftPiece := piece{buf: cur.buf, offset: cur.offset, length: offset}
		rightPiece := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

		newPieces := make([]piece, 0, len(pt.pieces)+2)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		if leftPiece.length > 0 {
			newPieces = append(newPieces, leftPiece)
		}
		newPieces = append(newPieces, newPiece)
		if rightPiece.length > 0 {
			newPieces = append(newPieces, rightPiece)
		}
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces
	} else {
		pt.pieces = append(pt.pieces, newPiece)
	}

	pt.size += length
	return length
}

func (pt *PieceTable) delete(pos, count int) {
	// 要删的剩余长度
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		// 这个 piece 里还剩多少可删
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}

		// 本轮实际要删多少
		take := min(remain, can)

		// 拆成 左 / 右 两段，替换掉当前 piece
		leftLen := offset
		rightLen := cur.length - offset - take

		newPieces := make([]piece, 0, len(pt.pieces)+1)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		next := idx
		if leftLen > 0 {
			newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			next++
		}
		if rightLen > 0 {
			newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces
		idx = next

		// 左段保留后，下一轮从下一个 piece 的开头继续
		offset = 0
		remain -= take
		pt.size -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
