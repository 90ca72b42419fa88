// Package confirm 实现人工确认环节：展示操作摘要，并把用户的决定一次性回写给 Reducer。
package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/invocation"
	"ChainChat/internal/tool"
	"ChainChat/pkg/logger"
)

// 确认框支持的操作类型。
const (
	ActionTransfer = "transfer"
	ActionSwap     = "swap"
	ActionBridge   = "bridge"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Decision 是用户对一次确认请求的决定。
type Decision struct {
	Approve bool `json:"approve"`
}

// Field 是确认框中的一行参数。地址类参数以缩写展示，Value 保留完整值供复制。
type Field struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Display  string `json:"display"`
	Copyable bool   `json:"copyable"`
}

// Prompt 是展示给用户的确认请求。
type Prompt struct {
	ConversationID string         `json:"conversation_id"`
	InvocationID   string         `json:"invocation_id"`
	ToolName       string         `json:"tool_name"`
	ActionType     string         `json:"action_type"`
	Message        string         `json:"message"`
	Parameters     map[string]any `json:"parameters"`
	Fields         []Field        `json:"fields"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Notifier 在新的确认请求出现时被调用。
type Notifier func(Prompt)

type pending struct {
	prompt  Prompt
	decider invocation.Decider
}

// Gate 持有等待决定的确认请求。每个调用 id 只接受第一次决定。
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*pending
	decided   map[string]bool
	notifiers []Notifier
	now       func() time.Time
}

// Option 定义可选配置。
type Option func(*Gate)

// WithNotifier 注册确认请求通知。
func WithNotifier(n Notifier) Option {
	return func(g *Gate) {
		if n != nil {
			g.notifiers = append(g.notifiers, n)
		}
	}
}

// NewGate 创建确认环节。
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pending: make(map[string]*pending),
		decided: make(map[string]bool),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Present 实现 invocation.Confirmer。
func (g *Gate) Present(_ context.Context, inv invocation.Invocation, p tool.Presentation, d invocation.Decider) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "确认环节缺少决策回调")
	}
	action := strings.ToLower(strings.TrimSpace(p.ActionType))
	switch action {
	case ActionTransfer, ActionSwap, ActionBridge:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的确认类型 %q", p.ActionType))
	}
	params := p.Parameters
	if params == nil {
		params = map[string]any{}
	}
	prompt := Prompt{
		ConversationID: inv.ConversationID,
		InvocationID:   inv.ID,
		ToolName:       inv.ToolName,
		ActionType:     action,
		Message:        p.Message,
		Parameters:     params,
		Fields:         buildFields(params),
		CreatedAt:      g.now(),
	}

	g.mu.Lock()
	if g.decided[inv.ID] {
		g.mu.Unlock()
		return nil
	}
	g.pending[inv.ID] = &pending{prompt: prompt, decider: d}
	notifiers := append([]Notifier(nil), g.notifiers...)
	g.mu.Unlock()

	logger.Audit().Info("等待用户确认",
		slog.String("conversation_id", inv.ConversationID),
		slog.String("invocation_id", inv.ID),
		slog.String("action_type", action))
	for _, n := range notifiers {
		n(prompt)
	}
	return nil
}

// Decide 提交用户决定。第一次有效，之后的调用返回 applied=false 且不产生任何影响。
func (g *Gate) Decide(ctx context.Context, invocationID string, decision Decision) (bool, error) {
	g.mu.Lock()
	if g.decided[invocationID] {
		g.mu.Unlock()
		return false, nil
	}
	p, ok := g.pending[invocationID]
	if !ok {
		g.mu.Unlock()
		return false, xerrors.New(xerrors.CodeInvocationNotFound, fmt.Sprintf("没有等待确认的调用 %s", invocationID))
	}
	g.decided[invocationID] = true
	delete(g.pending, invocationID)
	g.mu.Unlock()

	logger.Audit().Info("用户已确认",
		slog.String("conversation_id", p.prompt.ConversationID),
		slog.String("invocation_id", invocationID),
		slog.Bool("approve", decision.Approve))

	if err := p.decider.ApplyDecision(ctx, invocationID, decision.Approve); err != nil {
		return true, err
	}
	return true, nil
}

// Pending 返回仍在等待决定的确认请求，按创建时间排序。
func (g *Gate) Pending() []Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Prompt, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.prompt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].InvocationID < out[j].InvocationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prompt 返回指定调用的确认请求。
func (g *Gate) Prompt(invocationID string) (Prompt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[invocationID]
	if !ok {
		return Prompt{}, false
	}
	return p.prompt, true
}

func buildFields(params map[string]any) []Field {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		value := fmt.Sprint(params[k])
		field := Field{Key: k, Value: value, Display: value}
		if IsAddress(value) {
			field.Display = TruncateAddress(value)
			field.Copyable = true
		}
		fields = append(fields, field)
	}
	return fields
}

// IsAddress 判断是否为 0x 开头的 20 字节十六进制地址。
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// TruncateAddress 保留前 6 位与后 4 位，例如 0x1234...abcd。
func TruncateAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
