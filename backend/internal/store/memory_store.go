package store

import (
	"context"
	"sort"
	"sync"

	"collabServer/backend/internal/collab"
)

type memDocument struct {
	meta      NewDocument
	snapshots map[uint64]string
	log       map[uint64]collab.LogEntry
}

// MemoryStore 与 GormStore 语义一致的内存实现，用于开发（store.driver: memory）和测试
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memDocument
}

var _ collab.Persistence = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memDocument)}
}

func (s *MemoryStore) CreateDocument(_ context.Context, d NewDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[d.ID]; ok {
		return ErrDocumentExists
	}
	s.docs[d.ID] = &memDocument{
		meta:      d,
		snapshots: map[uint64]string{0: d.Content},
		log:       make(map[uint64]collab.LogEntry),
	}
	return nil
}

func (s *MemoryStore) LoadDocument(_ context.Context, docID string) (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return "", 0, collab.ErrUnknownDocument
	}
	var (
		latest  uint64
		content string
	)
	for v, c := range d.snapshots {
		if v >= latest {
			latest, content = v, c
		}
	}
	return content, latest, nil
}

func (s *MemoryStore) LoadLog(_ context.Context, docID string, afterVersion uint64) ([]collab.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, collab.ErrUnknownDocument
	}
	var out []collab.LogEntry
	for v, e := range d.log {
		if v > afterVersion {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, docID, content string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return collab.ErrUnknownDocument
	}
	if _, dup := d.snapshots[version]; !dup {
		d.snapshots[version] = content
	}
	for v := range d.log {
		if v <= version {
			delete(d.log, v)
		}
	}
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, docID string, e collab.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return collab.ErrUnknownDocument
	}
	if _, dup := d.log[e.Version]; !dup {
		d.log[e.Version] = e
	}
	return nil
}
