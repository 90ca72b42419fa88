// Package conversation 定义对话记录及其存储接口。
package conversation

import (
	"context"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/invocation"
	"ChainChat/internal/llm"

	"github.com/google/uuid"
)

// ErrNotFound 表示会话不存在。
var ErrNotFound = xerrors.New(xerrors.CodeConversationNotFound, "")

// Message 是对话记录中的一条消息。助手消息可携带工具调用，工具消息携带结果。
type Message struct {
	ID         string         `json:"id"`
	Role       llm.Role       `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Conversation 是一个会话的完整记录。
type Conversation struct {
	ID          string                  `json:"id"`
	Title       string                  `json:"title"`
	Messages    []Message               `json:"messages"`
	Invocations []invocation.Invocation `json:"invocations"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Summary 是列表接口返回的会话概要。
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New 创建一个空会话。
func New(title string, now time.Time) *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewMessageID 生成消息 id。
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

// Clone 返回深拷贝。
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		out.Messages[i] = m
	}
	out.Invocations = make([]invocation.Invocation, len(c.Invocations))
	for i, inv := range c.Invocations {
		out.Invocations[i] = inv.Clone()
	}
	return &out
}

// Summary 返回会话概要。
func (c *Conversation) Summary() Summary {
	return Summary{ID: c.ID, Title: c.Title, MessageCount: len(c.Messages), UpdatedAt: c.UpdatedAt}
}

// Store 持久化会话记录。
type Store interface {
	Create(ctx context.Context, conv *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}
