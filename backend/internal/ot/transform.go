package ot

// Transform 把 a 改写成可以在 b 之后应用的形式（a、b 基于同一版本）。
// 返回 Sequence：delete 被 b 的插入切开时结果是两段，其余情况只有一段。
func Transform(a, b Operation) Sequence {
	if b.Noop() {
		return Sequence{a}
	}

	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		if a.Position < b.Position || (a.Position == b.Position && insertsFirst(a, b)) {
			return Sequence{a}
		}
		return Sequence{a.with(a.Position+b.Size(), 0)}

	case a.Kind == KindInsert && b.Kind == KindDelete:
		end := b.Position + b.Length
		switch {
		case a.Position <= b.Position:
			return Sequence{a}
		case a.Position >= end:
			return Sequence{a.with(a.Position-b.Length, 0)}
		default:
			// 插入点落在被删区间内：夹到区间起点
			return Sequence{a.with(b.Position, 0)}
		}

	case a.Kind == KindDelete && b.Kind == KindInsert:
		end := a.Position + a.Length
		n := b.Size()
		switch {
		case b.Position <= a.Position:
			return Sequence{a.with(a.Position+n, a.Length)}
		case b.Position >= end:
			return Sequence{a}
		default:
			// b 插在删除区间中间，插入的文本要保留，删除拆成两段。
			// 先删右段，左段的坐标不受影响
			return Sequence{
				a.with(b.Position+n, end-b.Position),
				a.with(a.Position, b.Position-a.Position),
			}
		}

	default:
		// delete vs delete：去掉和 b 重叠的部分；剩余部分在 b 之后一定是连续的
		aEnd := a.Position + a.Length
		bEnd := b.Position + b.Length
		overlap := max(0, min(aEnd, bEnd)-max(a.Position, b.Position))
		before := max(0, min(bEnd, a.Position)-b.Position)
		return Sequence{a.with(a.Position-before, a.Length-overlap)}
	}
}

// insertsFirst 同一位置的两个插入，按 (OriginUserID, ClientOpID, Text) 字典序决定先后，
// 所有副本得到同样的顺序
func insertsFirst(a, b Operation) bool {
	if a.OriginUserID != b.OriginUserID {
		return a.OriginUserID < b.OriginUserID
	}
	if a.ClientOpID != b.ClientOpID {
		return a.ClientOpID < b.ClientOpID
	}
	return a.Text < b.Text
}

// TransformSequence 返回 (a', b')：a' 在 b 之后应用，b' 在 a 之后应用，
// 两种顺序得到相同内容
func TransformSequence(a, b Sequence) (Sequence, Sequence) {
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}
	if len(a) == 1 && len(b) == 1 {
		return Transform(a[0], b[0]), Transform(b[0], a[0])
	}
	if len(a) > 1 {
		head, b1 := TransformSequence(a[:1], b)
		tail, b2 := TransformSequence(a[1:], b1)
		return concat(head, tail), b2
	}
	a1, head := TransformSequence(a, b[:1])
	a2, tail := TransformSequence(a1, b[1:])
	return a2, concat(head, tail)
}

func concat(x, y Sequence) Sequence {
	out := make(Sequence, 0, len(x)+len(y))
	out = append(out, x...)
	return append(out, y...)
}
