package collab

import (
	"time"

	"collabServer/backend/internal/ot"
)

type DocOpEvent struct {
	EventType   string      `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId"`
	Version     uint64      `json:"version"`
	AuthorID    string      `json:"authorId"`
	ClientOpID  string      `json:"clientOpId"`
	BaseVersion uint64      `json:"baseVersion"`
	Ops         ot.Sequence `json:"ops"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

func newDocOpEvent(docID string, e LogEntry) DocOpEvent {
	return DocOpEvent{
		EventType:   "OP_APPLIED",
		DocID:       docID,
		OperationID: e.OperationID,
		Version:     e.Version,
		AuthorID:    e.AuthorID,
		ClientOpID:  e.ClientOpID,
		BaseVersion: e.BaseVersion,
		Ops:         e.Ops,
		AppliedAt:   e.AppliedAt,
	}
}
