package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var errStoreDown = errors.New("store down")

type memDoc struct {
	content string
	version uint64
	log     []LogEntry
}

// memPersistence 记录所有写入，可注入失败
type memPersistence struct {
	mu    sync.Mutex
	docs  map[string]*memDoc
	fails int // 接下来失败的写入次数

	// >0 时插入文本超过该长度的日志被拒绝
	rejectOver int
	rejects    int

	appends   int
	snapshots int
}

func newMemPersistence(ids ...string) *memPersistence {
	p := &memPersistence{docs: make(map[string]*memDoc)}
	for _, id := range ids {
		p.docs[id] = &memDoc{}
	}
	return p
}

func (p *memPersistence) failNext(n int) {
	p.mu.Lock()
	p.fails = n
	p.mu.Unlock()
}

func (p *memPersistence) shouldFail() bool {
	if p.fails > 0 {
		p.fails--
		return true
	}
	return false
}

func (p *memPersistence) LoadDocument(_ context.Context, docID string) (string, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.docs[docID]
	if !ok {
		return "", 0, ErrUnknownDocument
	}
	return d.content, d.version, nil
}

func (p *memPersistence) LoadLog(_ context.Context, docID string, after uint64) ([]LogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.docs[docID]
	if !ok {
		return nil, ErrUnknownDocument
	}
	var out []LogEntry
	for _, e := range d.log {
		if e.Version > after {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (p *memPersistence) SaveSnapshot(_ context.Context, docID, content string, version uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shouldFail() {
		return errStoreDown
	}
	d := p.docs[docID]
	if version >= d.version {
		d.content, d.version = content, version
	}
	p.snapshots++
	return nil
}

func (p *memPersistence) AppendLog(_ context.Context, docID string, e LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shouldFail() {
		return errStoreDown
	}
	if p.rejectOver > 0 {
		n := 0
		for _, o := range e.Ops {
			n += len(o.Text)
		}
		if n > p.rejectOver {
			p.rejects++
			return fmt.Errorf("%w: data too long for column 'ops'", ErrWriteRejected)
		}
	}
	d := p.docs[docID]
	for _, old := range d.log {
		if old.Version == e.Version {
			return nil
		}
	}
	d.log = append(d.log, e)
	p.appends++
	return nil
}

func (p *memPersistence) state(docID string) (string, uint64, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.docs[docID]
	return d.content, d.version, len(d.log)
}
