package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/ot"
)

var ErrDocumentExists = errors.New("document already exists")

type NewDocument struct {
	ID      string
	OwnerID string
	Title   string
	Content string
}

// GormStore 基于 MySQL 的持久化协作者
type GormStore struct{ db *gorm.DB }

var _ collab.Persistence = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateDocument 写入文档行和版本 0 的快照
func (s *GormStore) CreateDocument(ctx context.Context, d NewDocument) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&DocumentRow{ID: d.ID, OwnerID: d.OwnerID, Title: d.Title}).Error; err != nil {
			return err
		}
		return tx.Create(&SnapshotRow{DocumentID: d.ID, Version: 0, Content: d.Content}).Error
	})
	if isDuplicate(err) {
		return ErrDocumentExists
	}
	return err
}

func (s *GormStore) LoadDocument(ctx context.Context, docID string) (string, uint64, error) {
	db := s.db.WithContext(ctx)
	var doc DocumentRow
	if err := db.Where("id = ?", docID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", 0, collab.ErrUnknownDocument
		}
		return "", 0, err
	}
	var snap SnapshotRow
	err := db.Where("document_id = ?", docID).Order("version DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return snap.Content, snap.Version, nil
}

func (s *GormStore) LoadLog(ctx context.Context, docID string, afterVersion uint64) ([]collab.LogEntry, error) {
	var rows []OpLogRow
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version > ?", docID, afterVersion).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]collab.LogEntry, 0, len(rows))
	for _, r := range rows {
		var ops ot.Sequence
		if err := json.Unmarshal([]byte(r.Ops), &ops); err != nil {
			return nil, err
		}
		out = append(out, collab.LogEntry{
			Version:     r.Version,
			Ops:         ops,
			AuthorID:    r.AuthorID,
			ClientOpID:  r.ClientOpID,
			BaseVersion: r.BaseVersion,
			OperationID: r.OperationID,
			AppliedAt:   r.AppliedAt,
		})
	}
	return out, nil
}

// SaveSnapshot 重复版本视为成功；快照覆盖的日志随后删除
func (s *GormStore) SaveSnapshot(ctx context.Context, docID, content string, version uint64) error {
	db := s.db.WithContext(ctx)
	err := db.Create(&SnapshotRow{DocumentID: docID, Version: version, Content: content}).Error
	if err != nil && !isDuplicate(err) {
		return classify(err)
	}
	return db.Where("document_id = ? AND version <= ?", docID, version).Delete(&OpLogRow{}).Error
}

func (s *GormStore) AppendLog(ctx context.Context, docID string, e collab.LogEntry) error {
	b, err := json.Marshal(e.Ops)
	if err != nil {
		return fmt.Errorf("%w: encode ops: %v", collab.ErrWriteRejected, err)
	}
	err = s.db.WithContext(ctx).Create(&OpLogRow{
		DocumentID:  docID,
		Version:     e.Version,
		Ops:         string(b),
		AuthorID:    e.AuthorID,
		ClientOpID:  e.ClientOpID,
		BaseVersion: e.BaseVersion,
		OperationID: e.OperationID,
		AppliedAt:   e.AppliedAt,
	}).Error
	if isDuplicate(err) {
		return nil
	}
	return classify(err)
}
