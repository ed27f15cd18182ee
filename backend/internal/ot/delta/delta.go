package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
