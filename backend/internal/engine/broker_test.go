package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"collabServer/backend/internal/cache"
	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/ot"
	"collabServer/backend/internal/presence"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/session"
	"collabServer/backend/internal/store"
)

type fakeClient struct {
	mu     sync.Mutex
	inbox  []protocol.ServerMessage
	closed bool
	reject bool
}

func (f *fakeClient) Send(m protocol.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.reject {
		return errors.New("client gone")
	}
	f.inbox = append(f.inbox, m)
	return nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) take() []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.inbox
	f.inbox = nil
	return out
}

func ofType[T protocol.ServerMessage](msgs []protocol.ServerMessage) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// memCache 是进程内的 PresenceCache，记录每个成员被删除的次数
type memCache struct {
	mu      sync.Mutex
	members map[string]cache.PresenceMember
	cursors map[string][]byte
	removes map[string]int
}

func newMemCache() *memCache {
	return &memCache{
		members: make(map[string]cache.PresenceMember),
		cursors: make(map[string][]byte),
		removes: make(map[string]int),
	}
}

func (m *memCache) AddMember(_ context.Context, docID string, pm cache.PresenceMember, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[docID+"/"+pm.UserID] = pm
	return nil
}

func (m *memCache) RemoveMember(_ context.Context, docID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, docID+"/"+userID)
	delete(m.cursors, docID+"/"+userID)
	m.removes[docID+"/"+userID]++
	return nil
}

func (m *memCache) GetAliveMembersWithNames(_ context.Context, docID string) ([]cache.PresenceMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cache.PresenceMember
	for k, pm := range m.members {
		if strings.HasPrefix(k, docID+"/") {
			out = append(out, pm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memCache) SetCursor(_ context.Context, docID, userID string, b []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[docID+"/"+userID] = b
	return nil
}

func (m *memCache) GetCursor(_ context.Context, docID, userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[docID+"/"+userID], nil
}

func (m *memCache) removed() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.removes))
	for k, n := range m.removes {
		out[k] = n
	}
	return out
}

// flakyStore 在 MemoryStore 外面模拟两类故障：
// 暂时不可用（一直重试）和拒绝过大的日志（不可重试）
type flakyStore struct {
	*store.MemoryStore
	down       atomic.Bool
	rejectOver int
}

func (f *flakyStore) AppendLog(ctx context.Context, docID string, e collab.LogEntry) error {
	if f.down.Load() {
		return errors.New("store unavailable")
	}
	if f.rejectOver > 0 {
		b, _ := json.Marshal(e.Ops)
		if len(b) > f.rejectOver {
			return fmt.Errorf("%w: data too long for column 'ops'", collab.ErrWriteRejected)
		}
	}
	return f.MemoryStore.AppendLog(ctx, docID, e)
}

func (f *flakyStore) SaveSnapshot(ctx context.Context, docID, content string, version uint64) error {
	if f.down.Load() {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.SaveSnapshot(ctx, docID, content, version)
}

type harness struct {
	b        *Broker
	docs     *collab.InMemoryService
	sessions *session.Manager
	store    *store.MemoryStore
	writer   *collab.PersistDispatcher
	fc       *testclock.FakeClock
}

type harnessOptions struct {
	// 包一层 MemoryStore，用来模拟持久化故障
	persist   func(*store.MemoryStore) collab.Persistence
	cache     cache.PresenceCache
	opTimeout time.Duration
}

func newHarness(t *testing.T, content string) *harness {
	return newHarnessWith(t, content, harnessOptions{})
}

func newHarnessWith(t *testing.T, content string, opt harnessOptions) *harness {
	t.Helper()
	fc := testclock.NewFakeClock(time.Unix(1700000000, 0))
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateDocument(context.Background(), store.NewDocument{ID: "doc1", Content: content}))
	var persist collab.Persistence = st
	if opt.persist != nil {
		persist = opt.persist(st)
	}
	w := collab.NewPersistDispatcher(persist, collab.PersistDispatcherOptions{
		Workers:     1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})

	docs := collab.NewInMemoryService(persist, w, collab.Options{Clock: fc})
	sessions := session.NewManager(session.DefaultConfig(), fc)
	tracker := presence.NewTracker(sessions, presence.Options{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		Cache:             opt.cache,
		Clock:             fc,
	})
	b := NewBroker(docs, sessions, tracker, Options{IdleEviction: time.Minute, OpTimeout: opt.opTimeout, Clock: fc})
	return &harness{b: b, docs: docs, sessions: sessions, store: st, writer: w, fc: fc}
}

func (h *harness) join(t *testing.T, userID string) (*Caller, *fakeClient, protocol.Joined) {
	t.Helper()
	c := &fakeClient{}
	caller := NewCaller(session.User{ID: userID, DisplayName: strings.ToUpper(userID)}, c)
	h.b.HandleMessage(context.Background(), caller, []byte(`{"type":"join","documentId":"doc1"}`))
	joined := ofType[protocol.Joined](c.take())
	require.Len(t, joined, 1)
	return caller, c, joined[0]
}

func (h *harness) submit(caller *Caller, clientOpID string, base uint64, op ot.Operation) {
	raw := fmt.Sprintf(`{"type":"op","documentId":"doc1","clientOpId":%q,"baseVersion":%d,"operation":{"kind":%q,"position":%d,"text":%q,"length":%d}}`,
		clientOpID, base, op.Kind, op.Position, op.Text, op.Length)
	h.b.HandleMessage(context.Background(), caller, []byte(raw))
}

func (h *harness) since(t *testing.T, from uint64) ([]collab.LogEntry, bool) {
	t.Helper()
	var out []collab.LogEntry
	var ok bool
	require.NoError(t, h.docs.WithDocument(context.Background(), "doc1", func(v *collab.DocView) error {
		out, ok = v.Since(from)
		return nil
	}))
	return out, ok
}

func (h *harness) content(t *testing.T) collab.Document {
	t.Helper()
	doc, err := h.docs.GetDocument(context.Background(), "doc1")
	require.NoError(t, err)
	return doc
}

// editor 模拟客户端：本地乐观应用，同一时刻只有一个操作在途，其余缓冲。
// 收到远端操作时对在途和缓冲的操作一起做变换；在途操作被确认后，
// 以当前版本为基准发送下一个缓冲操作。
type editor struct {
	t      *testing.T
	h      *harness
	caller *Caller
	client *fakeClient

	userID  string
	content string
	version uint64

	// 未确认的本地操作，开头 ClientOpID == inflight 的部分已发出
	pending  ot.Sequence
	inflight string
	seq      int
	queue    []protocol.ServerMessage
}

func newEditor(t *testing.T, h *harness, userID string) *editor {
	caller, client, j := h.join(t, userID)
	return &editor{t: t, h: h, caller: caller, client: client, userID: userID, content: j.Content, version: j.Version}
}

func (e *editor) local(op ot.Operation) {
	op.OriginUserID, op.ClientOpID = e.userID, ""
	var err error
	e.content, err = ot.Apply(e.content, op)
	require.NoError(e.t, err)
	e.pending = append(e.pending, op)
	e.flush()
}

func (e *editor) flush() {
	if e.inflight != "" || len(e.pending) == 0 {
		return
	}
	e.seq++
	e.inflight = fmt.Sprintf("%s-%d", e.userID, e.seq)
	e.pending[0].ClientOpID = e.inflight
	e.h.submit(e.caller, e.inflight, e.version, e.pending[0])
}

// deliver 把收件箱里的消息排队，然后处理队首的 n 条（n<0 表示全部）
func (e *editor) deliver(n int) int {
	e.queue = append(e.queue, e.client.take()...)
	if n < 0 || n > len(e.queue) {
		n = len(e.queue)
	}
	batch := e.queue[:n]
	e.queue = e.queue[n:]
	for _, m := range batch {
		e.handle(m)
	}
	return n
}

func (e *editor) handle(m protocol.ServerMessage) {
	switch m := m.(type) {
	case protocol.Ack:
		require.Equal(e.t, e.inflight, m.ClientOpID)
		for len(e.pending) > 0 && e.pending[0].ClientOpID == e.inflight {
			e.pending = e.pending[1:]
		}
		e.inflight = ""
		e.version = m.Version
		e.flush()
	case protocol.RemoteOp:
		require.Equal(e.t, e.version+1, m.Version)
		remote := make(ot.Sequence, len(m.Operations))
		for i, o := range m.Operations {
			remote[i] = o.Operation()
			remote[i].OriginUserID, remote[i].ClientOpID = m.UserID, m.ClientOpID
		}
		var pending ot.Sequence
		pending, remote = ot.TransformSequence(e.pending, remote)
		e.pending = e.pending[:0]
		for _, o := range pending {
			if !o.Noop() {
				e.pending = append(e.pending, o)
			}
		}
		var err error
		e.content, err = ot.ApplySequence(e.content, remote)
		require.NoError(e.t, err)
		e.version = m.Version
	case protocol.Resync, protocol.Error:
		require.Failf(e.t, "unexpected message", "%s got %#v", e.userID, m)
	}
}

// settle 反复投递直到没有消息在路上
func settle(t *testing.T, editors ...*editor) {
	t.Helper()
	for round := 0; round < 10000; round++ {
		moved := 0
		for _, e := range editors {
			moved += e.deliver(-1)
		}
		if moved == 0 {
			for _, e := range editors {
				require.Empty(t, e.pending, e.userID)
				require.Empty(t, e.inflight, e.userID)
			}
			return
		}
	}
	t.Fatal("editors did not settle")
}

func TestConcurrentInsertDeleteConverge(t *testing.T) {
	h := newHarness(t, "hello world")
	e1 := newEditor(t, h, "u1")
	e2 := newEditor(t, h, "u2")
	e1.client.take()

	// 两边都基于版本 0 本地编辑
	e1.local(ot.Insert(5, "X"))
	e2.local(ot.Delete(0, 2))
	settle(t, e1, e2)

	doc := h.content(t)
	assert.Equal(t, uint64(2), doc.Version)
	assert.Equal(t, "lloX world", doc.Content)
	assert.Equal(t, doc.Content, e1.content)
	assert.Equal(t, doc.Content, e2.content)
	assert.Equal(t, uint64(2), e1.version)
	assert.Equal(t, uint64(2), e2.version)
}

// 一个客户端连续编辑：第二个操作等第一个确认后才发出，基准版本随之前进
func TestBufferedEditsSentAfterAck(t *testing.T) {
	h := newHarness(t, "abc")
	e1 := newEditor(t, h, "u1")
	e2 := newEditor(t, h, "u2")
	e1.client.take()

	e1.local(ot.Insert(3, "d"))
	e1.local(ot.Insert(4, "e"))
	assert.Equal(t, uint64(1), h.content(t).Version)
	e2.local(ot.Delete(0, 1))

	settle(t, e1, e2)
	doc := h.content(t)
	assert.Equal(t, uint64(3), doc.Version)
	assert.Equal(t, "bcde", doc.Content)
	assert.Equal(t, doc.Content, e1.content)
	assert.Equal(t, doc.Content, e2.content)
}

func randomEdit(r *rand.Rand, content string) ot.Operation {
	n := len(content)
	if n == 0 || r.Intn(2) == 0 {
		letters := []byte("xyz")
		text := make([]byte, 1+r.Intn(3))
		for i := range text {
			text[i] = letters[r.Intn(len(letters))]
		}
		return ot.Insert(r.Intn(n+1), string(text))
	}
	pos := r.Intn(n)
	return ot.Delete(pos, 1+r.Intn(min(3, n-pos)))
}

// 三个客户端随机编辑、随机延迟投递，最终都和服务端一致
func TestRandomEditsConverge(t *testing.T) {
	for seed := int64(1); seed <= 60; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			h := newHarness(t, "hello world")
			editors := []*editor{newEditor(t, h, "u1"), newEditor(t, h, "u2"), newEditor(t, h, "u3")}

			for step := 0; step < 80; step++ {
				e := editors[r.Intn(len(editors))]
				if r.Intn(3) == 0 {
					e.deliver(r.Intn(4))
					continue
				}
				e.local(randomEdit(r, e.content))
			}
			settle(t, editors...)

			doc := h.content(t)
			for _, e := range editors {
				assert.Equal(t, doc.Content, e.content, e.userID)
				assert.Equal(t, doc.Version, e.version, e.userID)
			}
		})
	}
}

func TestJoin_SnapshotAndPresence(t *testing.T) {
	h := newHarness(t, "abc")
	_, cl1, j1 := h.join(t, "u1")
	assert.Equal(t, "abc", j1.Content)
	assert.Equal(t, session.DefaultPalette[0], j1.Color)
	require.Len(t, j1.Participants, 1)
	assert.Equal(t, "active", j1.Participants[0].State)

	_, _, j2 := h.join(t, "u2")
	assert.Equal(t, session.DefaultPalette[1], j2.Color)
	assert.Len(t, j2.Participants, 2)

	pres := ofType[protocol.Presence](cl1.take())
	require.Len(t, pres, 1)
	assert.Equal(t, protocol.PresenceJoin, pres[0].Event)
	assert.Equal(t, "u2", pres[0].UserID)
	assert.Equal(t, "U2", pres[0].DisplayName)
	assert.Equal(t, j2.Color, pres[0].Color)
}

func TestJoin_UnknownDocument(t *testing.T) {
	h := newHarness(t, "abc")
	_, other, _ := h.join(t, "u1")

	c := &fakeClient{}
	caller := NewCaller(session.User{ID: "u2"}, c)
	h.b.HandleMessage(context.Background(), caller, []byte(`{"type":"join","documentId":"nope"}`))

	errs := ofType[protocol.Error](c.take())
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeUnknownDocument, errs[0].Code)
	assert.Empty(t, other.take())
	_, joined := caller.participant("nope")
	assert.False(t, joined)
}

func TestJoin_ReplacesExistingParticipant(t *testing.T) {
	h := newHarness(t, "abc")
	_, observer, _ := h.join(t, "u1")
	_, first, _ := h.join(t, "u2")
	observer.take()

	_, _, again := h.join(t, "u2")
	assert.True(t, first.isClosed())

	pres := ofType[protocol.Presence](observer.take())
	require.Len(t, pres, 2)
	assert.Equal(t, protocol.PresenceLeave, pres[0].Event)
	assert.Equal(t, protocol.PresenceJoin, pres[1].Event)
	assert.Len(t, again.Participants, 2)
}

func TestHeartbeatTimeoutBroadcastsOneLeave(t *testing.T) {
	ctx := context.Background()
	mirror := newMemCache()
	h := newHarnessWith(t, "abc", harnessOptions{cache: mirror})
	c1, cl1, _ := h.join(t, "u1")
	c2, cl2, _ := h.join(t, "u2")
	_, _, j3 := h.join(t, "u3")
	cl1.take()
	cl2.take()

	for i := 0; i < 3; i++ {
		h.fc.Step(10 * time.Second)
		h.b.HandleMessage(ctx, c1, []byte(`{"type":"heartbeat","documentId":"doc1"}`))
		h.b.HandleMessage(ctx, c2, []byte(`{"type":"heartbeat","documentId":"doc1"}`))
		h.b.Tick(ctx)
	}
	h.fc.Step(time.Second)
	h.b.Tick(ctx)
	h.b.Tick(ctx)

	for _, cl := range []*fakeClient{cl1, cl2} {
		msgs := cl.take()
		assert.Empty(t, ofType[protocol.Error](msgs))
		pres := ofType[protocol.Presence](msgs)
		require.Len(t, pres, 1)
		assert.Equal(t, protocol.PresenceLeave, pres[0].Event)
		assert.Equal(t, "u3", pres[0].UserID)
	}
	assert.Len(t, h.sessions.Roster("doc1"), 2)
	// 镜像只删除一次
	assert.Equal(t, map[string]int{"doc1/u3": 1}, mirror.removed())

	// 轮询分配：其余颜色用完后会回到被释放的颜色
	for i := 4; i <= 8; i++ {
		_, _, j := h.join(t, fmt.Sprintf("u%d", i))
		assert.NotEqual(t, j3.Color, j.Color)
	}
	_, _, j9 := h.join(t, "u9")
	assert.Equal(t, j3.Color, j9.Color)
}

func TestInvalidOperationResyncsOrigin(t *testing.T) {
	h := newHarness(t, "hello")
	c1, cl1, _ := h.join(t, "u1")
	_, cl2, _ := h.join(t, "u2")
	cl1.take()

	h.submit(c1, "bad", 99, ot.Insert(0, "X"))

	msgs := cl1.take()
	resyncs := ofType[protocol.Resync](msgs)
	require.Len(t, resyncs, 1)
	assert.Equal(t, "hello", resyncs[0].Content)
	assert.Equal(t, uint64(0), resyncs[0].Version)
	assert.Empty(t, ofType[protocol.Ack](msgs))
	assert.Empty(t, ofType[protocol.Error](msgs))

	assert.Empty(t, cl2.take())
	doc, err := h.docs.GetDocument(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Content)
	assert.Equal(t, uint64(0), doc.Version)
}

func TestStaleParticipant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc")
	c1, cl1, _ := h.join(t, "u1")

	err := h.b.ReceiveOperation(ctx, "doc1", "ghost", ot.Insert(0, "x"))
	assert.ErrorIs(t, err, session.ErrStaleParticipant)

	pid, _ := c1.participant("doc1")
	h.b.Leave(ctx, "doc1", pid)
	h.submit(c1, "late", 0, ot.Insert(0, "x"))
	errs := ofType[protocol.Error](cl1.take())
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeStaleParticipant, errs[0].Code)
	assert.Equal(t, "late", errs[0].ClientOpID)

	doc, _ := h.docs.GetDocument(ctx, "doc1")
	assert.Equal(t, uint64(0), doc.Version)

	stranger := &fakeClient{}
	h.b.HandleMessage(ctx, NewCaller(session.User{ID: "u9"}, stranger), []byte(`{"type":"op","documentId":"doc1","clientOpId":"x","baseVersion":0,"operation":{"kind":"insert","position":0,"text":"x"}}`))
	errs = ofType[protocol.Error](stranger.take())
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeNotJoined, errs[0].Code)
}

func TestDuplicateOperationReacked(t *testing.T) {
	h := newHarness(t, "abc")
	c1, cl1, _ := h.join(t, "u1")
	_, cl2, _ := h.join(t, "u2")
	cl1.take()

	h.submit(c1, "c1", 0, ot.Insert(3, "d"))
	h.submit(c1, "c1", 0, ot.Insert(3, "d"))

	acks := ofType[protocol.Ack](cl1.take())
	require.Len(t, acks, 2)
	assert.Equal(t, acks[0].Version, acks[1].Version)
	assert.Len(t, ofType[protocol.RemoteOp](cl2.take()), 1)
}

func TestCursorBroadcast(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc")
	c1, cl1, _ := h.join(t, "u1")
	_, cl2, _ := h.join(t, "u2")
	cl1.take()

	h.b.HandleMessage(ctx, c1, []byte(`{"type":"cursor","documentId":"doc1","position":2,"selection":{"anchor":1,"head":2}}`))
	assert.Empty(t, cl1.take())
	cursors := ofType[protocol.Cursor](cl2.take())
	require.Len(t, cursors, 1)
	assert.Equal(t, "u1", cursors[0].UserID)
	assert.Equal(t, 2, cursors[0].Position)

	// 光标不影响文档版本
	doc, _ := h.docs.GetDocument(ctx, "doc1")
	assert.Equal(t, uint64(0), doc.Version)
}

func TestCriticalSendFailureClosesClient(t *testing.T) {
	h := newHarness(t, "abc")
	c1, _, _ := h.join(t, "u1")
	_, cl2, _ := h.join(t, "u2")

	cl2.mu.Lock()
	cl2.reject = true
	cl2.mu.Unlock()

	h.submit(c1, "c1", 0, ot.Insert(0, "x"))
	assert.True(t, cl2.isClosed())
}

func TestHeartbeatVersionTrimsLog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	c1, cl1, _ := h.join(t, "u1")
	c2, _, _ := h.join(t, "u2")

	for i := 0; i < 3; i++ {
		h.submit(c1, fmt.Sprint(i), uint64(i), ot.Insert(0, "a"))
	}
	assert.Len(t, ofType[protocol.Ack](cl1.take()), 3)
	entries, ok := h.since(t, 0)
	require.True(t, ok)
	assert.Len(t, entries, 3)

	h.b.HandleMessage(ctx, c1, []byte(`{"type":"heartbeat","documentId":"doc1","version":3}`))
	h.b.HandleMessage(ctx, c2, []byte(`{"type":"heartbeat","documentId":"doc1","version":3}`))
	_, ok = h.since(t, 0)
	assert.False(t, ok)
	entries, ok = h.since(t, 3)
	assert.True(t, ok)
	assert.Empty(t, entries)
}

func TestLeaveAndIdleEviction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc")
	c1, cl1, _ := h.join(t, "u1")
	h.submit(c1, "c1", 0, ot.Insert(3, "!"))
	cl1.take()

	h.b.HandleMessage(ctx, c1, []byte(`{"type":"leave","documentId":"doc1"}`))
	h.b.HandleMessage(ctx, c1, []byte(`{"type":"leave","documentId":"doc1"}`))
	errs := ofType[protocol.Error](cl1.take())
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeNotJoined, errs[0].Code)

	h.b.Tick(ctx)
	assert.Equal(t, []string{"doc1"}, h.docs.Resident())

	h.fc.Step(61 * time.Second)
	h.b.Tick(ctx)
	assert.Empty(t, h.docs.Resident())
	assert.Empty(t, h.sessions.Documents())

	content, version, err := h.store.LoadDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abc!", content)
	assert.Equal(t, uint64(1), version)

	insp, err := h.b.Inspect(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abc!", insp.Document.Content)
	assert.Empty(t, insp.Participants)
}

func TestDisconnectLeavesAllDocuments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc")
	require.NoError(t, h.store.CreateDocument(ctx, store.NewDocument{ID: "doc2", Content: "x"}))

	c1, cl1, _ := h.join(t, "u1")
	h.b.HandleMessage(ctx, c1, []byte(`{"type":"join","documentId":"doc2"}`))
	_, cl2, _ := h.join(t, "u2")
	cl1.take()

	h.b.Disconnect(ctx, c1)
	assert.Empty(t, h.sessions.Roster("doc2"))
	require.Len(t, h.sessions.Roster("doc1"), 1)
	pres := ofType[protocol.Presence](cl2.take())
	require.Len(t, pres, 1)
	assert.Equal(t, protocol.PresenceLeave, pres[0].Event)

	// 重复断开不会重复广播
	h.b.Disconnect(ctx, c1)
	assert.Empty(t, cl2.take())
}

func TestBadMessage(t *testing.T) {
	h := newHarness(t, "abc")
	c := &fakeClient{}
	h.b.HandleMessage(context.Background(), NewCaller(session.User{ID: "u1"}, c), []byte(`{"type":"dance"}`))
	errs := ofType[protocol.Error](c.take())
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeBadMessage, errs[0].Code)
}

func TestRunDrivesTick(t *testing.T) {
	h := newHarness(t, "abc")
	_, _, _ = h.join(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.b.Run(ctx) }()

	// 等 Run 建好 ticker
	require.Eventually(t, h.fc.HasWaiters, time.Second, time.Millisecond)
	h.fc.Step(31 * time.Second)
	require.Eventually(t, func() bool { return len(h.sessions.Roster("doc1")) == 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func tickWithin(t *testing.T, h *harness, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.b.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("Tick blocked")
	}
}

func TestTickBoundedWhenPersistenceStuck(t *testing.T) {
	ctx := context.Background()
	var fs *flakyStore
	h := newHarnessWith(t, "abc", harnessOptions{
		persist: func(st *store.MemoryStore) collab.Persistence {
			fs = &flakyStore{MemoryStore: st}
			return fs
		},
		opTimeout: 50 * time.Millisecond,
	})
	c1, cl1, _ := h.join(t, "u1")
	fs.down.Store(true)
	h.submit(c1, "c1", 0, ot.Insert(3, "!"))
	require.Len(t, ofType[protocol.Ack](cl1.take()), 1)
	h.b.Leave(ctx, "doc1", mustParticipant(t, c1, "doc1"))

	h.fc.Step(61 * time.Second)
	// 驱逐等不到落盘，超时后放弃本轮，不拖住其他工作
	tickWithin(t, h, 2*time.Second)
	assert.Empty(t, h.docs.Resident())
	tickWithin(t, h, 2*time.Second)
	assert.Empty(t, h.sessions.Documents())

	// 存储恢复后积压的写入照常完成
	fs.down.Store(false)
	fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.writer.Flush(fctx, "doc1"))
	content, version, err := h.store.LoadDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abc!", content)
	assert.Equal(t, uint64(1), version)
}

func TestRejectedOpLogRecoveredBySnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWith(t, "", harnessOptions{
		persist: func(st *store.MemoryStore) collab.Persistence {
			return &flakyStore{MemoryStore: st, rejectOver: 256}
		},
		opTimeout: time.Second,
	})
	c1, cl1, _ := h.join(t, "u1")
	big := strings.Repeat("x", 1024)
	h.submit(c1, "big", 0, ot.Insert(0, big))
	require.Len(t, ofType[protocol.Ack](cl1.take()), 1)
	h.b.Leave(ctx, "doc1", mustParticipant(t, c1, "doc1"))

	h.fc.Step(61 * time.Second)
	tickWithin(t, h, 2*time.Second)
	assert.Empty(t, h.docs.Resident())
	assert.Empty(t, h.sessions.Documents())

	content, version, err := h.store.LoadDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, big, content)
	assert.Equal(t, uint64(1), version)
	tail, err := h.store.LoadLog(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func mustParticipant(t *testing.T, c *Caller, docID string) string {
	t.Helper()
	pid, ok := c.participant(docID)
	require.True(t, ok)
	return pid
}

// 离开后才到达的确认不能让文档一直常驻
func TestLateAcknowledgeAfterLeave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc")
	c1, _, _ := h.join(t, "u1")
	pid := mustParticipant(t, c1, "doc1")

	h.b.Disconnect(ctx, c1)
	require.NoError(t, h.docs.Acknowledge(ctx, "doc1", pid, 0))

	h.fc.Step(61 * time.Second)
	h.b.Tick(ctx)
	assert.Empty(t, h.docs.Resident())
	assert.Empty(t, h.sessions.Documents())
}

// 操作在文档边界外排队时参与者离开：进入边界后重新检查，拒绝且不改变文档
func TestOperationQueuedBehindLeave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc")
	c1, _, _ := h.join(t, "u1")
	pid := mustParticipant(t, c1, "doc1")

	started, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = h.docs.WithDocument(ctx, "doc1", func(*collab.DocView) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	errc := make(chan error, 1)
	go func() { errc <- h.b.ReceiveOperation(ctx, "doc1", "u1", ot.Insert(0, "x")) }()
	// 让操作先通过边界外的检查
	time.Sleep(20 * time.Millisecond)
	_, ok := h.sessions.Leave("doc1", pid)
	require.True(t, ok)
	close(release)

	assert.ErrorIs(t, <-errc, session.ErrStaleParticipant)
	doc := h.content(t)
	assert.Equal(t, "abc", doc.Content)
	assert.Equal(t, uint64(0), doc.Version)
}

func TestResyncFromVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	c1, cl1, _ := h.join(t, "u1")
	c2, cl2, _ := h.join(t, "u2")
	cl1.take()

	for i := 0; i < 3; i++ {
		h.submit(c1, fmt.Sprint(i), uint64(i), ot.Insert(i, "a"))
	}
	cl2.take()

	// 日志仍覆盖版本 1：逐条补发
	h.b.HandleMessage(ctx, c2, []byte(`{"type":"resyncRequest","documentId":"doc1","version":1}`))
	msgs := cl2.take()
	assert.Empty(t, ofType[protocol.Resync](msgs))
	ops := ofType[protocol.RemoteOp](msgs)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(2), ops[0].Version)
	assert.Equal(t, uint64(3), ops[1].Version)
	assert.Equal(t, "u1", ops[0].UserID)
	assert.Equal(t, "1", ops[0].ClientOpID)

	// u1 最后一次提交基于版本 2，u2 已确认到 3：版本 2 之前的日志已裁剪，只能完整 resync
	h.b.HandleMessage(ctx, c2, []byte(`{"type":"resyncRequest","documentId":"doc1","version":0}`))
	msgs = cl2.take()
	assert.Empty(t, ofType[protocol.RemoteOp](msgs))
	resyncs := ofType[protocol.Resync](msgs)
	require.Len(t, resyncs, 1)
	assert.Equal(t, "aaa", resyncs[0].Content)
	assert.Equal(t, uint64(3), resyncs[0].Version)

	// 不带版本时总是完整 resync
	h.b.HandleMessage(ctx, c2, []byte(`{"type":"resyncRequest","documentId":"doc1"}`))
	assert.Len(t, ofType[protocol.Resync](cl2.take()), 1)
}

func TestInspectIncludesMirror(t *testing.T) {
	ctx := context.Background()
	mirror := newMemCache()
	h := newHarnessWith(t, "abc", harnessOptions{cache: mirror})
	c1, _, _ := h.join(t, "u1")
	h.b.HandleMessage(ctx, c1, []byte(`{"type":"cursor","documentId":"doc1","position":2}`))

	insp, err := h.b.Inspect(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, insp.Mirrored, 1)
	assert.Equal(t, "u1", insp.Mirrored[0].UserID)
	assert.Equal(t, "U1", insp.Mirrored[0].DisplayName)
	assert.JSONEq(t, `{"position":2}`, string(insp.Mirrored[0].Cursor))
}
