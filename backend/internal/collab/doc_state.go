package collab

import (
	"context"
	"fmt"
	"time"
)

// docState 由一个 goroutine 独占（actor），所有读写都经过 mailbox。
// mailbox 无缓冲：被 actor 接收即视为进入串行化边界。
type docState struct {
	id string

	buf           Buffer
	version       uint64
	lastAppliedAt time.Time

	// 版本日志，按 Version 升序，只保留还可能被用来变换的部分
	log []LogEntry
	// 去重窗口：author+clientOpID -> 首次应用时的版本，随日志一起裁剪
	seen map[string]uint64
	// 每个参与者已确认的版本
	acked map[string]uint64

	snapshotVersion  uint64
	snapshotAt       time.Time
	opsSinceSnapshot int
	// 持久化入队失败过，下一次机会强制快照
	needSnapshot bool

	mailbox chan func()
	done    chan struct{}
	stopped bool
}

func newDocState(id string, buf Buffer, version uint64, now time.Time) *docState {
	return &docState{
		id:              id,
		buf:             buf,
		version:         version,
		snapshotVersion: version,
		snapshotAt:      now,
		seen:            make(map[string]uint64),
		acked:           make(map[string]uint64),
		mailbox:         make(chan func()),
		done:            make(chan struct{}),
	}
}

func (ds *docState) run() {
	defer close(ds.done)
	for fn := range ds.mailbox {
		fn()
		if ds.stopped {
			return
		}
	}
}

// exec 把 fn 送进边界并等待完成。进入之前可以被 ctx 取消，进入之后一定跑完。
func (ds *docState) exec(ctx context.Context, fn func() error) error {
	finished := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				finished <- fmt.Errorf("document %s: panic in actor: %v", ds.id, r)
			}
		}()
		finished <- fn()
	}
	select {
	case ds.mailbox <- task:
	case <-ds.done:
		return errEvicted
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-finished
}

func (ds *docState) document() Document {
	return Document{
		ID:            ds.id,
		Content:       ds.buf.String(),
		Version:       ds.version,
		LastAppliedAt: ds.lastAppliedAt,
	}
}

// floor 是还能被变换的最老 baseVersion
func (ds *docState) floor() uint64 {
	if len(ds.log) == 0 {
		return ds.version
	}
	return ds.log[0].Version - 1
}

func dedupeKey(authorID, clientOpID string) string {
	return authorID + "\x00" + clientOpID
}

// trim 丢掉所有参与者都已确认的日志，并把日志长度限制在 max 以内
func (ds *docState) trim(max int) {
	minAcked := ds.version
	for _, v := range ds.acked {
		if v < minAcked {
			minAcked = v
		}
	}
	cut := 0
	for cut < len(ds.log) && ds.log[cut].Version <= minAcked {
		cut++
	}
	if max > 0 && len(ds.log)-cut > max {
		cut = len(ds.log) - max
	}
	if cut == 0 {
		return
	}
	for _, e := range ds.log[:cut] {
		if e.ClientOpID != "" {
			delete(ds.seen, dedupeKey(e.AuthorID, e.ClientOpID))
		}
	}
	ds.log = append(ds.log[:0:0], ds.log[cut:]...)
}
