package llm

import (
	"context"
	"regexp"
	"sort"
	"strings"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/tool"
)

// Role 表示消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 是模型在一个步骤中请求的工具调用。
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message 是发送给模型的一条上下文消息。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Request 描述一次模型调用。Local 为 true 时使用本地后端。
type Request struct {
	Messages []Message
	Tools    []tool.Declaration
	Local    bool
}

// Chunk 是流式输出的一个片段。Done 之后通道关闭。
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Err      error
	Done     bool
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Switch 按请求的 Local 标志在远程与本地后端之间选择。
type Switch struct {
	Remote Client
	Local  Client
}

// Stream 实现 Client。
func (s Switch) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	backend, mode := s.Remote, "remote"
	if req.Local {
		backend, mode = s.Local, "local"
	}
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeBackend, "model backend not configured", xerrors.WithMetadata("mode", mode))
	}
	return backend.Stream(ctx, req)
}

// Mode 返回请求对应的后端名称。
func Mode(req Request) string {
	if req.Local {
		return "local"
	}
	return "remote"
}

// Step 是一次模型步骤的完整输出。
type Step struct {
	Text      string
	ToolCalls []ToolCall
}

// Collect 读取整个流，onText 在每段文本到达时被调用。
func Collect(ctx context.Context, chunks <-chan Chunk, onText func(string)) (Step, error) {
	var (
		text  strings.Builder
		calls []ToolCall
	)
	for {
		select {
		case <-ctx.Done():
			return Step{}, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return Step{Text: text.String(), ToolCalls: calls}, nil
			}
			if chunk.Err != nil {
				return Step{}, chunk.Err
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if onText != nil {
					onText(chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				return Step{Text: text.String(), ToolCalls: calls}, nil
			}
		}
	}
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThink 移除本地推理模型输出中的 <think> 块。
func StripThink(s string) string {
	out := thinkBlock.ReplaceAllString(s, "")
	if idx := strings.Index(out, "<think>"); idx >= 0 {
		out = out[:idx]
	}
	return strings.TrimSpace(out)
}

// ThinkFilter 从流式文本中去掉 <think> 块，标签可以被切在两段之间。
type ThinkFilter struct {
	pending string
	inside  bool
}

// Write 返回本段中可以立即输出的文本；可能是标签前缀的尾部留到下一段再判断。
func (f *ThinkFilter) Write(s string) string {
	buf := f.pending + s
	f.pending = ""
	var out strings.Builder
	for {
		tag := "<think>"
		if f.inside {
			tag = "</think>"
		}
		if idx := strings.Index(buf, tag); idx >= 0 {
			if !f.inside {
				out.WriteString(buf[:idx])
			}
			buf = buf[idx+len(tag):]
			f.inside = !f.inside
			continue
		}
		keep := partialTag(buf, tag)
		if !f.inside {
			out.WriteString(buf[:len(buf)-keep])
		}
		f.pending = buf[len(buf)-keep:]
		return out.String()
	}
}

// Flush 在流结束时调用，返回块外残留的文本。未闭合的 <think> 块整体丢弃。
func (f *ThinkFilter) Flush() string {
	rest := f.pending
	f.pending = ""
	if f.inside {
		return ""
	}
	return rest
}

// partialTag 返回 s 末尾与 tag 前缀重合的长度。
func partialTag(s, tag string) int {
	for n := min(len(tag)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

// ToolCallAccumulator 把流式返回的工具调用片段按序号拼接起来。
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
}

// Add 合并一个片段。
func (a *ToolCallAccumulator) Add(index int, id, name, arguments string) {
	if a.calls == nil {
		a.calls = map[int]*ToolCall{}
	}
	call := a.calls[index]
	if call == nil {
		call = &ToolCall{}
		a.calls[index] = call
	}
	if id != "" {
		call.ID = id
	}
	if name != "" {
		call.Name = name
	}
	call.Arguments += arguments
}

// Flush 按序号返回所有带名称的调用并清空。缺少 id 的调用原样保留，由编排层补齐。
func (a *ToolCallAccumulator) Flush() []ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		if c := a.calls[i]; c.Name != "" {
			out = append(out, *c)
		}
	}
	a.calls = nil
	return out
}
