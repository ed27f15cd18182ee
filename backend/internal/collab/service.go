package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"collabServer/backend/internal/ot"
)

// 文档状态存储接口
type Service interface {
	GetDocument(ctx context.Context, docID string) (Document, error)

	// 在文档的串行化边界内执行 fn，用于 join 快照与 resync，保证与广播有序
	WithDocument(ctx context.Context, docID string, fn func(v *DocView) error) error

	// admit 在边界内、应用之前调用，返回错误则拒绝操作；
	// onApplied 在边界内调用，重复提交也会调用（Duplicate=true）。两者都可以为 nil。
	ApplyOperation(ctx context.Context, docID string, op ot.Operation, admit func(v *DocView) error, onApplied func(AppliedOp)) (AppliedOp, error)

	// 只推进已登记（DocView.Track）的参与者，Forget 之后再到达的确认被忽略
	Acknowledge(ctx context.Context, docID, participantID string, version uint64) error
	Forget(ctx context.Context, docID, participantID string) error

	SaveSnapshot(ctx context.Context, docID string) error
	FlushDue(ctx context.Context)
	Evict(ctx context.Context, docID string) error
	Resident() []string
}

var ErrDocumentInUse = errors.New("document still has participants")

type Options struct {
	MaxLogEntries    int
	SnapshotEvery    int
	SnapshotInterval time.Duration

	// 可选：OP_APPLIED 事件
	Events EventPublisher
	// 可选：限制并发的文档加载
	LoadSem *SemaphoreControl

	Clock  clock.PassiveClock
	Logger zerolog.Logger
}

// 内存实现：持有所有常驻文档的 actor
type InMemoryService struct {
	mu    sync.RWMutex
	docs  map[string]*docState
	loads singleflight.Group

	// 依赖注入，实现在 store 中
	persist Persistence
	writer  *PersistDispatcher
	events  EventPublisher
	loadSem *SemaphoreControl

	maxLog           int
	snapshotEvery    int
	snapshotInterval time.Duration

	clock clock.PassiveClock
	log   zerolog.Logger
}

// NewInMemoryService 读走 persist，写走 writer（有序、重试、不阻塞）
func NewInMemoryService(persist Persistence, writer *PersistDispatcher, opt Options) *InMemoryService {
	if opt.MaxLogEntries <= 0 {
		opt.MaxLogEntries = 1024
	}
	if opt.SnapshotEvery <= 0 {
		opt.SnapshotEvery = 100
	}
	if opt.SnapshotInterval <= 0 {
		opt.SnapshotInterval = time.Minute
	}
	if opt.Clock == nil {
		opt.Clock = clock.RealClock{}
	}
	return &InMemoryService{
		docs:             make(map[string]*docState),
		persist:          persist,
		writer:           writer,
		events:           opt.Events,
		loadSem:          opt.LoadSem,
		maxLog:           opt.MaxLogEntries,
		snapshotEvery:    opt.SnapshotEvery,
		snapshotInterval: opt.SnapshotInterval,
		clock:            opt.Clock,
		log:              opt.Logger,
	}
}

func (s *InMemoryService) resident(docID string) *docState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID]
}

func (s *InMemoryService) drop(docID string, ds *docState) {
	s.mu.Lock()
	if s.docs[docID] == ds {
		delete(s.docs, docID)
	}
	s.mu.Unlock()
}

// 获取或加载指定文档的 actor
func (s *InMemoryService) getOrLoad(ctx context.Context, docID string) (*docState, error) {
	if ds := s.resident(docID); ds != nil {
		return ds, nil
	}
	v, err, _ := s.loads.Do(docID, func() (any, error) {
		if ds := s.resident(docID); ds != nil {
			return ds, nil
		}
		ds, err := s.load(ctx, docID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.docs[docID] = ds
		s.mu.Unlock()
		go ds.run()
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docState), nil
}

func (s *InMemoryService) load(ctx context.Context, docID string) (*docState, error) {
	if s.loadSem != nil {
		if err := s.loadSem.Acquire(ctx); err != nil {
			return nil, err
		}
		defer func() { _ = s.loadSem.Release() }()
	}
	// 上一次驱逐留下的写入必须先落盘
	if s.writer != nil {
		if err := s.writer.Flush(ctx, docID); err != nil {
			return nil, fmt.Errorf("flush %s before load: %w", docID, err)
		}
	}
	content, version, err := s.persist.LoadDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, ErrUnknownDocument) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load %s: %v", ErrPersistenceFailure, docID, err)
	}
	tail, err := s.persist.LoadLog(ctx, docID, version)
	if err != nil {
		return nil, fmt.Errorf("%w: load log %s: %v", ErrPersistenceFailure, docID, err)
	}

	ds := newDocState(docID, NewPieceTable(content), version, s.clock.Now())
	for _, e := range tail {
		if e.Version != ds.version+1 {
			s.log.Warn().Str("doc", docID).Uint64("version", ds.version).Uint64("next", e.Version).
				Msg("gap in persisted log, replay stopped")
			break
		}
		seq, err := ot.Normalize(ds.buf.Len(), e.Ops)
		if err == nil {
			for _, o := range seq {
				if err = ds.buf.Apply(o.Delta()); err != nil {
					break
				}
			}
		}
		if err != nil {
			// 已应用的部分不能回滚，只能停在这里并尽快快照
			s.log.Error().Err(err).Str("event", "invariant_violation").Str("doc", docID).
				Uint64("version", e.Version).Msg("persisted log entry does not apply")
			ds.needSnapshot = true
			break
		}
		ds.version = e.Version
		ds.lastAppliedAt = e.AppliedAt
		ds.opsSinceSnapshot++
		ds.log = append(ds.log, e)
		if e.ClientOpID != "" {
			ds.seen[dedupeKey(e.AuthorID, e.ClientOpID)] = e.Version
		}
	}
	ds.trim(s.maxLog)
	s.log.Debug().Str("doc", docID).Uint64("version", ds.version).Int("replayed", len(tail)).Msg("document loaded")
	return ds, nil
}

// do 在边界内执行 fn；actor 恰好被驱逐时重新加载再试
func (s *InMemoryService) do(ctx context.Context, docID string, fn func(ds *docState) error) error {
	for attempt := 0; ; attempt++ {
		ds, err := s.getOrLoad(ctx, docID)
		if err != nil {
			return err
		}
		err = ds.exec(ctx, func() error { return fn(ds) })
		if errors.Is(err, errEvicted) && attempt < 3 {
			s.drop(docID, ds)
			continue
		}
		return err
	}
}

func (s *InMemoryService) GetDocument(ctx context.Context, docID string) (Document, error) {
	var doc Document
	err := s.do(ctx, docID, func(ds *docState) error {
		doc = ds.document()
		return nil
	})
	return doc, err
}

func (s *InMemoryService) WithDocument(ctx context.Context, docID string, fn func(v *DocView) error) error {
	return s.do(ctx, docID, func(ds *docState) error {
		return fn(&DocView{ds: ds, s: s})
	})
}

func (s *InMemoryService) ApplyOperation(ctx context.Context, docID string, op ot.Operation, admit func(v *DocView) error, onApplied func(AppliedOp)) (AppliedOp, error) {
	var res AppliedOp
	err := s.do(ctx, docID, func(ds *docState) error {
		if admit != nil {
			if err := admit(&DocView{ds: ds, s: s}); err != nil {
				return err
			}
		}
		var err error
		res, err = s.apply(ds, op)
		if err != nil {
			return err
		}
		if onApplied != nil {
			onApplied(res)
		}
		return nil
	})
	return res, err
}

// apply 只在 actor 内调用
func (s *InMemoryService) apply(ds *docState, op ot.Operation) (AppliedOp, error) {
	if err := op.Validate(); err != nil {
		return AppliedOp{}, err
	}
	if op.ClientOpID != "" {
		if v, ok := ds.seen[dedupeKey(op.OriginUserID, op.ClientOpID)]; ok {
			return AppliedOp{
				DocID:       ds.id,
				Version:     v,
				AuthorID:    op.OriginUserID,
				ClientOpID:  op.ClientOpID,
				BaseVersion: op.BaseVersion,
				Duplicate:   true,
			}, nil
		}
	}
	if op.BaseVersion > ds.version {
		return AppliedOp{}, fmt.Errorf("%w: base version %d ahead of %d", ot.ErrInvalidOperation, op.BaseVersion, ds.version)
	}
	if floor := ds.floor(); op.BaseVersion < floor {
		return AppliedOp{}, fmt.Errorf("%w: base version %d older than retained log (%d)", ot.ErrInvalidOperation, op.BaseVersion, floor)
	}

	seq := ot.Sequence{op}
	for _, e := range ds.log {
		if e.Version <= op.BaseVersion {
			continue
		}
		seq, _ = ot.TransformSequence(seq, e.Ops)
	}
	seq, err := ot.Normalize(ds.buf.Len(), seq)
	if err != nil {
		s.log.Error().Err(err).Str("event", "invariant_violation").Str("doc", ds.id).
			Str("user", op.OriginUserID).Str("clientOpId", op.ClientOpID).
			Uint64("baseVersion", op.BaseVersion).Uint64("version", ds.version).
			Msg("transformed operation does not fit document")
		return AppliedOp{}, err
	}
	for _, o := range seq {
		if o.Noop() {
			continue
		}
		if err := ds.buf.Apply(o.Delta()); err != nil {
			// Normalize 通过后不应发生
			s.log.Error().Err(err).Str("event", "invariant_violation").Str("doc", ds.id).Msg("buffer rejected normalized operation")
			return AppliedOp{}, err
		}
	}

	now := s.clock.Now()
	ds.version++
	ds.lastAppliedAt = now
	ds.opsSinceSnapshot++
	entry := LogEntry{
		Version:     ds.version,
		Ops:         seq,
		AuthorID:    op.OriginUserID,
		ClientOpID:  op.ClientOpID,
		BaseVersion: op.BaseVersion,
		OperationID: uuid.NewString(),
		AppliedAt:   now,
	}
	ds.log = append(ds.log, entry)
	if op.ClientOpID != "" {
		ds.seen[dedupeKey(op.OriginUserID, op.ClientOpID)] = ds.version
	}

	if s.writer != nil {
		if err := s.writer.AppendLog(ds.id, entry); err != nil {
			ds.needSnapshot = true
			s.log.Warn().Err(err).Str("doc", ds.id).Uint64("version", ds.version).Msg("oplog enqueue dropped, snapshot scheduled")
		}
	}
	s.checkRejected(ds)
	if s.events != nil {
		if err := s.events.Publish(newDocOpEvent(ds.id, entry)); err != nil {
			s.log.Debug().Err(err).Str("doc", ds.id).Msg("op event dropped")
		}
	}
	if ds.opsSinceSnapshot >= s.snapshotEvery || ds.needSnapshot {
		if err := s.snapshot(ds); err != nil {
			s.log.Warn().Err(err).Str("doc", ds.id).Msg("snapshot deferred")
		}
	}
	ds.trim(s.maxLog)

	return AppliedOp{
		DocID:       ds.id,
		OperationID: entry.OperationID,
		Version:     entry.Version,
		AuthorID:    entry.AuthorID,
		ClientOpID:  entry.ClientOpID,
		BaseVersion: entry.BaseVersion,
		Ops:         entry.Ops,
		AppliedAt:   entry.AppliedAt,
	}, nil
}

// checkRejected 只在 actor 内调用：有写入被存储拒绝时，日志已不连续，用快照补上
func (s *InMemoryService) checkRejected(ds *docState) {
	if s.writer != nil && s.writer.TakeRejected(ds.id) {
		ds.needSnapshot = true
		s.log.Warn().Str("doc", ds.id).Uint64("version", ds.version).Msg("persisted write rejected, snapshot scheduled")
	}
}

// snapshot 只在 actor 内调用；成功入队后压缩 piece table
func (s *InMemoryService) snapshot(ds *docState) error {
	if s.writer == nil {
		return nil
	}
	content := ds.buf.String()
	if err := s.writer.SaveSnapshot(ds.id, content, ds.version); err != nil {
		ds.needSnapshot = true
		return fmt.Errorf("%w: snapshot %s@%d: %v", ErrPersistenceFailure, ds.id, ds.version, err)
	}
	ds.buf = NewPieceTable(content)
	ds.snapshotVersion = ds.version
	ds.snapshotAt = s.clock.Now()
	ds.opsSinceSnapshot = 0
	ds.needSnapshot = false
	return nil
}

// Acknowledge 只对常驻文档生效，不会触发加载
func (s *InMemoryService) Acknowledge(ctx context.Context, docID, participantID string, version uint64) error {
	ds := s.resident(docID)
	if ds == nil {
		return nil
	}
	err := ds.exec(ctx, func() error {
		(&DocView{ds: ds, s: s}).Acknowledge(participantID, version)
		return nil
	})
	if errors.Is(err, errEvicted) {
		return nil
	}
	return err
}

func (s *InMemoryService) Forget(ctx context.Context, docID, participantID string) error {
	ds := s.resident(docID)
	if ds == nil {
		return nil
	}
	err := ds.exec(ctx, func() error {
		(&DocView{ds: ds, s: s}).Forget(participantID)
		return nil
	})
	if errors.Is(err, errEvicted) {
		return nil
	}
	return err
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	ds := s.resident(docID)
	if ds == nil {
		return ErrUnknownDocument
	}
	return ds.exec(ctx, func() error { return s.snapshot(ds) })
}

// FlushDue 给超过 snapshotInterval 仍有未快照操作的文档打快照
func (s *InMemoryService) FlushDue(ctx context.Context) {
	for _, id := range s.Resident() {
		ds := s.resident(id)
		if ds == nil {
			continue
		}
		err := ds.exec(ctx, func() error {
			s.checkRejected(ds)
			due := ds.opsSinceSnapshot > 0 && s.clock.Since(ds.snapshotAt) >= s.snapshotInterval
			if !due && !ds.needSnapshot {
				return nil
			}
			return s.snapshot(ds)
		})
		if err != nil && !errors.Is(err, errEvicted) {
			s.log.Warn().Err(err).Str("doc", id).Msg("periodic snapshot failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Evict 写最终快照、等持久化队列排空后释放文档。仍有参与者时返回 ErrDocumentInUse。
func (s *InMemoryService) Evict(ctx context.Context, docID string) error {
	ds := s.resident(docID)
	if ds == nil {
		return nil
	}
	err := ds.exec(ctx, func() error {
		if len(ds.acked) > 0 {
			return ErrDocumentInUse
		}
		if ds.opsSinceSnapshot > 0 || ds.needSnapshot {
			if err := s.snapshot(ds); err != nil {
				return err
			}
		}
		ds.stopped = true
		return nil
	})
	if err != nil && !errors.Is(err, errEvicted) {
		return err
	}
	s.drop(docID, ds)
	if s.writer != nil {
		if err := s.writer.Flush(ctx, docID); err != nil {
			return err
		}
		// 最终快照已覆盖被拒绝的日志；快照本身被拒绝时 dispatcher 已记错误日志
		s.writer.TakeRejected(docID)
	}
	return nil
}

func (s *InMemoryService) Resident() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// DocView 只在 WithDocument 的回调内有效
type DocView struct {
	ds *docState
	s  *InMemoryService
}

func (v *DocView) Document() Document {
	return v.ds.document()
}

func (v *DocView) Version() uint64 {
	return v.ds.version
}

// Track 登记参与者，确认版本从 version 开始
func (v *DocView) Track(participantID string, version uint64) {
	if version > v.ds.version {
		version = v.ds.version
	}
	v.ds.acked[participantID] = version
	v.ds.trim(v.s.maxLog)
}

// Acknowledge 记录参与者已看到 version，只前进不后退，然后裁剪日志。未登记的参与者忽略。
func (v *DocView) Acknowledge(participantID string, version uint64) {
	cur, ok := v.ds.acked[participantID]
	if !ok {
		return
	}
	if version > v.ds.version {
		version = v.ds.version
	}
	if version > cur {
		v.ds.acked[participantID] = version
	}
	v.ds.trim(v.s.maxLog)
}

// Since 返回 fromVersion 之后的全部日志；日志已裁剪到 fromVersion 之后时 ok=false
func (v *DocView) Since(fromVersion uint64) ([]LogEntry, bool) {
	if fromVersion > v.ds.version || fromVersion < v.ds.floor() {
		return nil, false
	}
	var out []LogEntry
	for _, e := range v.ds.log {
		if e.Version > fromVersion {
			out = append(out, e)
		}
	}
	return out, true
}

func (v *DocView) Forget(participantID string) {
	delete(v.ds.acked, participantID)
	v.ds.trim(v.s.maxLog)
}
