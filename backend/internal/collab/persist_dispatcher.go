package collab

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

var ErrDispatcherClosed = errors.New("persist dispatcher closed")

type jobKind int

const (
	jobAppendLog jobKind = iota
	jobSnapshot
	jobBarrier
)

type persistJob struct {
	kind    jobKind
	docID   string
	entry   LogEntry
	content string
	version uint64
	// barrier 到达 worker 时关闭
	done chan struct{}
}

// PersistDispatcher 把写入按文档哈希到 N 个有序队列，同一文档的写入严格按入队顺序执行。
// 失败时指数退避重试直到成功（或关闭），入队从不阻塞调用方。
// 存储返回 ErrWriteRejected 的写入直接丢弃，并记下文档，由 TakeRejected 交给调用方补快照。
type PersistDispatcher struct {
	store  Persistence
	queues []chan persistJob
	sem    *SemaphoreControl

	baseBackoff time.Duration
	maxBackoff  time.Duration
	timeout     time.Duration

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup

	rejectedMu sync.Mutex
	rejected   map[string]bool

	clock clock.Clock
	log   zerolog.Logger
}

type PersistDispatcherOptions struct {
	Workers     int
	QueueSize   int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// 单次写入超时
	Timeout time.Duration
	// 可选：限制并发写入
	Sem *SemaphoreControl

	Clock  clock.Clock
	Logger zerolog.Logger
}

func NewPersistDispatcher(store Persistence, opt PersistDispatcherOptions) *PersistDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = 10 * time.Second
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = clock.RealClock{}
	}
	d := &PersistDispatcher{
		store:       store,
		queues:      make([]chan persistJob, opt.Workers),
		sem:         opt.Sem,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		timeout:     opt.Timeout,
		stop:        make(chan struct{}),
		rejected:    make(map[string]bool),
		clock:       opt.Clock,
		log:         opt.Logger,
	}
	for i := range d.queues {
		d.queues[i] = make(chan persistJob, opt.QueueSize)
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

func (d *PersistDispatcher) queueFor(docID string) chan persistJob {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

func (d *PersistDispatcher) enqueue(job persistJob) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queueFor(job.docID) <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *PersistDispatcher) AppendLog(docID string, entry LogEntry) error {
	return d.enqueue(persistJob{kind: jobAppendLog, docID: docID, entry: entry, version: entry.Version})
}

func (d *PersistDispatcher) SaveSnapshot(docID, content string, version uint64) error {
	return d.enqueue(persistJob{kind: jobSnapshot, docID: docID, content: content, version: version})
}

// Flush 等待 docID 此前入队的写入全部完成
func (d *PersistDispatcher) Flush(ctx context.Context, docID string) error {
	done := make(chan struct{})
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil
	}
	select {
	case d.queueFor(docID) <- persistJob{kind: jobBarrier, docID: docID, done: done}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收写入并排空队列；ctx 到期则放弃仍在重试的写入
func (d *PersistDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		close(d.stop)
		<-drained
		return ctx.Err()
	}
}

func (d *PersistDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for job := range d.queues[workerID] {
		if job.kind == jobBarrier {
			close(job.done)
			continue
		}
		d.runWithRetry(workerID, job)
	}
}

// TakeRejected 报告 docID 自上次调用以来是否有写入被存储拒绝，并清除标记
func (d *PersistDispatcher) TakeRejected(docID string) bool {
	d.rejectedMu.Lock()
	defer d.rejectedMu.Unlock()
	r := d.rejected[docID]
	delete(d.rejected, docID)
	return r
}

func (d *PersistDispatcher) runWithRetry(workerID int, job persistJob) {
	for attempt := 0; ; attempt++ {
		err := d.runOnce(job)
		if err == nil {
			return
		}
		if errors.Is(err, ErrWriteRejected) {
			d.log.Error().Err(err).Str("doc", job.docID).Uint64("version", job.version).Int("worker", workerID).
				Msg("persistence write rejected, dropped")
			d.rejectedMu.Lock()
			d.rejected[job.docID] = true
			d.rejectedMu.Unlock()
			return
		}
		d.log.Warn().Err(err).Str("doc", job.docID).Int("attempt", attempt+1).Int("worker", workerID).
			Msg("persistence write failed, retrying")

		// 退避，每次退避时间X2，封顶 maxBackoff
		backoff := d.maxBackoff
		if attempt < 30 {
			if b := d.baseBackoff * time.Duration(1<<attempt); b < backoff {
				backoff = b
			}
		}
		select {
		case <-d.clock.After(backoff):
		case <-d.stop:
			d.log.Error().Str("doc", job.docID).Uint64("version", job.version).Msg("dispatcher stopped, write abandoned")
			return
		}
	}
}

func (d *PersistDispatcher) runOnce(job persistJob) error {
	if d.sem != nil {
		_ = d.sem.Acquire(context.Background())
		defer func() { _ = d.sem.Release() }()
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	switch job.kind {
	case jobAppendLog:
		return d.store.AppendLog(ctx, job.docID, job.entry)
	case jobSnapshot:
		return d.store.SaveSnapshot(ctx, job.docID, job.content, job.version)
	}
	return nil
}
