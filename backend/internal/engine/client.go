package engine

import (
	"sync"

	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/session"
)

// Client 是传输层的一条连接。Send 不能阻塞；Close 可重复调用。
type Client interface {
	Send(msg protocol.ServerMessage) error
	Close()
}

// Caller 一条连接及其已加入的文档，由传输层创建
type Caller struct {
	User   session.User
	Client Client

	mu     sync.Mutex
	joined map[string]string // docID -> participantID
}

func NewCaller(u session.User, c Client) *Caller {
	return &Caller{User: u, Client: c, joined: make(map[string]string)}
}

func (c *Caller) participant(docID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.joined[docID]
	return id, ok
}

func (c *Caller) setParticipant(docID, participantID string) {
	c.mu.Lock()
	c.joined[docID] = participantID
	c.mu.Unlock()
}

func (c *Caller) dropParticipant(docID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.joined[docID]
	delete(c.joined, docID)
	return id, ok
}

func (c *Caller) drain() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.joined
	c.joined = make(map[string]string)
	return out
}
