package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/engine"
	"collabServer/backend/internal/presence"
	"collabServer/backend/internal/store"
)

// DocumentCreator 由持久化层实现（GormStore / MemoryStore）
type DocumentCreator interface {
	CreateDocument(ctx context.Context, d store.NewDocument) error
}

// Inspector 由 engine.Broker 实现
type Inspector interface {
	Inspect(ctx context.Context, docID string) (engine.Inspection, error)
}

type Documents struct {
	docs    Inspector
	creator DocumentCreator
}

func NewDocuments(docs Inspector, creator DocumentCreator) *Documents {
	return &Documents{docs: docs, creator: creator}
}

type participantResp struct {
	ParticipantID string    `json:"participantId"`
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName,omitempty"`
	Color         string    `json:"color"`
	State         string    `json:"state"`
	LastSeen      time.Time `json:"lastSeen"`
}

type documentResp struct {
	DocID         string            `json:"docId"`
	Version       uint64            `json:"version"`
	Content       string            `json:"content"`
	LastAppliedAt *time.Time        `json:"lastAppliedAt,omitempty"`
	Participants  []participantResp `json:"participants"`

	// 镜像中的在线成员（含其他实例），未配置 redis 时省略
	Mirrored []presence.MirroredMember `json:"mirrored,omitempty"`
}

type createReq struct {
	DocID   string `json:"docId"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Get GET /collab/documents/:docID，返回当前内容、版本和在线参与者
func (h *Documents) Get(c *gin.Context) {
	docID := c.Param("docID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "Document ID missing"})
		return
	}

	insp, err := h.docs.Inspect(c.Request.Context(), docID)
	if errors.Is(err, collab.ErrUnknownDocument) {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_DOCUMENT", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}

	resp := documentResp{
		DocID:        insp.Document.ID,
		Version:      insp.Document.Version,
		Content:      insp.Document.Content,
		Participants: make([]participantResp, 0, len(insp.Participants)),
		Mirrored:     insp.Mirrored,
	}
	if !insp.Document.LastAppliedAt.IsZero() {
		at := insp.Document.LastAppliedAt
		resp.LastAppliedAt = &at
	}
	for _, p := range insp.Participants {
		resp.Participants = append(resp.Participants, participantResp{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			DisplayName:   p.DisplayName,
			Color:         p.Color,
			State:         p.State.String(),
			LastSeen:      p.LastSeen,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// Create POST /collab/documents，docId 为空时生成一个
func (h *Documents) Create(c *gin.Context) {
	//从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	ownerID := c.GetUint64("userId")

	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if req.DocID == "" {
		req.DocID = uuid.NewString()
	}

	err := h.creator.CreateDocument(c.Request.Context(), store.NewDocument{
		ID:      req.DocID,
		OwnerID: strconv.FormatUint(ownerID, 10),
		Title:   req.Title,
		Content: req.Content,
	})
	if errors.Is(err, store.ErrDocumentExists) {
		c.JSON(http.StatusConflict, gin.H{"code": "DOCUMENT_EXISTS", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"docId": req.DocID, "ownerId": ownerID, "title": req.Title, "version": 0})
}
