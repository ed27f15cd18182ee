package collab

import (
	"context"
	"errors"
	"time"

	"collabServer/backend/internal/ot"
)

var (
	ErrUnknownDocument    = errors.New("UNKNOWN_DOCUMENT")
	ErrPersistenceFailure = errors.New("PERSISTENCE_FAILURE")
	// 存储明确拒绝的写入（超长、非法数据等），重试不会成功
	ErrWriteRejected = errors.New("write rejected by store")

	// actor 已退出（文档被驱逐），调用方应重新加载
	errEvicted = errors.New("document evicted")
)

// Document 是某一时刻文档的只读拷贝
type Document struct {
	ID            string
	Content       string
	Version       uint64
	LastAppliedAt time.Time
}

// LogEntry 版本日志中的一条：把文档从 Version-1 推进到 Version 的（已变换）操作序列
type LogEntry struct {
	Version     uint64      `json:"version"`
	Ops         ot.Sequence `json:"ops"`
	AuthorID    string      `json:"authorId"`
	ClientOpID  string      `json:"clientOpId"`
	BaseVersion uint64      `json:"baseVersion"`
	OperationID string      `json:"operationId"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

// AppliedOp 是 ApplyOperation 的结果，用于 ack 和广播
type AppliedOp struct {
	DocID       string
	OperationID string
	Version     uint64
	AuthorID    string
	ClientOpID  string
	BaseVersion uint64
	// 变换后的操作，其他参与者按顺序应用到 Version-1 的内容上
	Ops       ot.Sequence
	AppliedAt time.Time
	// 同一 (AuthorID, ClientOpID) 已经应用过，Version 是第一次应用时的版本
	Duplicate bool
}

// Persistence 持久化协作者，实现在 store 中
type Persistence interface {
	// 文档不存在时返回 ErrUnknownDocument
	LoadDocument(ctx context.Context, docID string) (content string, version uint64, err error)
	// 返回 version > afterVersion 的日志，按版本升序
	LoadLog(ctx context.Context, docID string, afterVersion uint64) ([]LogEntry, error)
	SaveSnapshot(ctx context.Context, docID string, content string, version uint64) error
	AppendLog(ctx context.Context, docID string, entry LogEntry) error
}

// EventPublisher 接收每个已应用的操作，不能阻塞
type EventPublisher interface {
	Publish(evt DocOpEvent) error
}
