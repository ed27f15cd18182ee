package session

import (
	"fmt"
	"hash/fnv"
)

// DefaultPalette 8 种协作者颜色
var DefaultPalette = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFB74D",
	"#BA68C8", "#4DB6AC", "#F06292", "#A1887F",
}

type Config struct {
	Palette []string
}

func DefaultConfig() Config {
	return Config{Palette: append([]string(nil), DefaultPalette...)}
}

// pickColor 从 next 开始轮询第一个未被占用的调色板颜色；
// 调色板用完后，用 (docID, userID) 的哈希派生颜色，碰撞就加盐重算
func pickColor(palette []string, next int, used map[string]bool, docID, userID string) (string, int) {
	n := len(palette)
	for i := 0; i < n; i++ {
		idx := (next + i) % n
		if !used[palette[idx]] {
			return palette[idx], (idx + 1) % n
		}
	}
	for salt := 0; ; salt++ {
		c := fallbackColor(docID, userID, salt)
		if !used[c] && !inPalette(palette, c) {
			return c, next
		}
	}
}

func fallbackColor(docID, userID string, salt int) string {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s/%s#%d", docID, userID, salt)
	return fmt.Sprintf("#%06X", h.Sum32()&0xFFFFFF)
}

func inPalette(palette []string, c string) bool {
	for _, p := range palette {
		if p == c {
			return true
		}
	}
	return false
}
