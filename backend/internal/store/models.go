package store

import "time"

// DocumentRow 文档元数据，存在即代表文档可以被加入
type DocumentRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	OwnerID   string `gorm:"size:64;index"`
	Title     string `gorm:"size:255"`
	CreatedAt time.Time
}

func (DocumentRow) TableName() string { return "documents" }

// SnapshotRow 文档在某个版本的完整内容
type SnapshotRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"size:64;uniqueIndex:uk_doc_version"`
	Version    uint64 `gorm:"uniqueIndex:uk_doc_version"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  time.Time
}

func (SnapshotRow) TableName() string { return "document_snapshots" }

// OpLogRow 版本日志，Ops 是变换后操作序列的 JSON
type OpLogRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"size:64;uniqueIndex:uk_oplog_doc_version"`
	Version     uint64 `gorm:"uniqueIndex:uk_oplog_doc_version"`
	Ops         string `gorm:"type:longtext"`
	AuthorID    string `gorm:"size:64"`
	ClientOpID  string `gorm:"size:64"`
	BaseVersion uint64
	OperationID string `gorm:"size:64"`
	AppliedAt   time.Time
}

func (OpLogRow) TableName() string { return "document_oplog" }
