package cache

import "fmt"

// 键语义：
// - roomKey(docID):    房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):   房间内 userId→displayName 映射（Hash）
// - colorsKey(docID):  房间内 userId→color 映射（Hash）
// - cursorKey(docID, userID): 最近一次光标（String, 带 TTL）

const (
	keyRoomPrefix = "presence:room:"
	keyRoomFmt    = keyRoomPrefix + "{docID:%s}"        // ZSet<userId, expireAtUnix>
	keyNamesFmt   = keyRoomPrefix + "names:{docID:%s}"  // Hash<userId -> displayName>
	keyColorsFmt  = keyRoomPrefix + "colors:{docID:%s}" // Hash<userId -> color>
	keyCursorFmt  = "presence:cursor:{docID:%s}:%s"
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func colorsKey(docID string) string         { return fmt.Sprintf(keyColorsFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
