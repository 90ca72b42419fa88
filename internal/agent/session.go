package agent

import (
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"ChainChat/internal/confirm"
	"ChainChat/internal/conversation"
	"ChainChat/internal/invocation"
	"ChainChat/internal/llm"
)

const titleLimit = 48

// Session 是单个会话的运行时状态：对话记录、调用 Reducer 与确认环节。
type Session struct {
	id      string
	reducer *invocation.Reducer
	gate    *confirm.Gate

	mu      sync.Mutex
	conv    *conversation.Conversation
	running atomic.Bool
	saveMu  sync.Mutex
}

// ID 返回会话 id。
func (s *Session) ID() string { return s.id }

// InProgress 判断是否有回合正在运行或仍有未结束的调用。
func (s *Session) InProgress() bool {
	return s.running.Load() || s.reducer.InProgress()
}

// Pending 返回等待用户决定的确认请求。
func (s *Session) Pending() []confirm.Prompt {
	return s.gate.Pending()
}

// Snapshot 返回包含最新调用状态的对话记录副本。
func (s *Session) Snapshot() *conversation.Conversation {
	s.mu.Lock()
	out := s.conv.Clone()
	s.mu.Unlock()
	out.Invocations = s.reducer.All()
	return out
}

func (s *Session) append(msgs ...conversation.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if s.conv.Title == "" && m.Role == llm.RoleUser {
			s.conv.Title = truncateTitle(m.Content)
		}
		s.conv.Messages = append(s.conv.Messages, m)
		if m.CreatedAt.After(s.conv.UpdatedAt) {
			s.conv.UpdatedAt = m.CreatedAt
		}
	}
}

// transcript 把对话记录转换为发送给模型的消息。
func (s *Session) transcript(systemPrompt string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, 0, len(s.conv.Messages)+1)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	for _, m := range s.conv.Messages {
		out = append(out, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  append([]llm.ToolCall(nil), m.ToolCalls...),
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		})
	}
	return out
}

// missingResults 找出已有工具调用但尚未写入结果的调用 id。
// 上一个回合被中断后，这些结果需要在下一次请求模型前补齐。
func (s *Session) missingResults() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	answered := make(map[string]bool)
	for _, m := range s.conv.Messages {
		if m.Role == llm.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var ids []string
	for _, m := range s.conv.Messages {
		for _, call := range m.ToolCalls {
			if !answered[call.ID] {
				answered[call.ID] = true
				ids = append(ids, call.ID)
			}
		}
	}
	return ids
}

func truncateTitle(content string) string {
	if utf8.RuneCountInString(content) <= titleLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:titleLimit]) + "..."
}
