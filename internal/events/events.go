// Package events 把调用生命周期、文本增量与回合状态广播给渲染端和外部消息队列。
// 事件只用于展示，订阅方无法借此触发执行。
package events

import (
	"context"
	"errors"
	"time"

	"ChainChat/internal/confirm"
	"ChainChat/internal/invocation"
	"ChainChat/internal/llm"
)

// Type 标识事件类别。
type Type string

const (
	TypeTurnStarted   Type = "turn_started"
	TypeTextDelta     Type = "text_delta"
	TypeMessage       Type = "message"
	TypeInvocation    Type = "invocation"
	TypePrompt        Type = "confirmation_requested"
	TypeTurnCompleted Type = "turn_completed"
	TypeTurnAborted   Type = "turn_aborted"
)

// MessageView 是事件中携带的消息摘要。
type MessageView struct {
	ID        string         `json:"id"`
	Role      llm.Role       `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
}

// Event 是广播给订阅方的一条事件。
type Event struct {
	Type           Type                   `json:"type"`
	ConversationID string                 `json:"conversation_id"`
	Step           int                    `json:"step,omitempty"`
	Delta          string                 `json:"delta,omitempty"`
	Message        *MessageView           `json:"message,omitempty"`
	Invocation     *invocation.Invocation `json:"invocation,omitempty"`
	From           invocation.State       `json:"from,omitempty"`
	Prompt         *confirm.Prompt        `json:"prompt,omitempty"`
	Error          string                 `json:"error,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

// Publisher 发布事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Multi 把事件依次发给多个发布者，单个失败不影响其余发布者。
type Multi []Publisher

// Publish 实现 Publisher。
func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部发布者。
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromTransition 把状态迁移转换为事件。
func FromTransition(t invocation.Transition) Event {
	inv := t.Invocation.Clone()
	return Event{
		Type:           TypeInvocation,
		ConversationID: inv.ConversationID,
		Invocation:     &inv,
		From:           t.From,
		OccurredAt:     inv.UpdatedAt,
	}
}

// FromPrompt 把确认请求转换为事件。
func FromPrompt(p confirm.Prompt) Event {
	prompt := p
	return Event{
		Type:           TypePrompt,
		ConversationID: p.ConversationID,
		Prompt:         &prompt,
		OccurredAt:     p.CreatedAt,
	}
}
