package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ChainChat/internal/confirm"
	"ChainChat/internal/conversation"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/events"
	"ChainChat/internal/invocation"
	"ChainChat/internal/llm"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/tool"
	"ChainChat/pkg/logger"
)

// DefaultMaxSteps 是单个回合内请求模型的最大次数。
const DefaultMaxSteps = 5

// AbortNotice 是后端失败时展示给用户的通用提示。
const AbortNotice = "An error occurred during the API call."

// ErrToolInProgress 表示会话仍有未结束的调用或正在运行的回合。
var ErrToolInProgress = xerrors.New(xerrors.CodeToolInProgress, "")

// TurnRequest 描述一次用户输入。
type TurnRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Local          bool   `json:"is_local"`
}

// TurnResult 汇总一个回合的执行情况。
type TurnResult struct {
	ConversationID string                 `json:"conversation_id"`
	Steps          int                    `json:"steps"`
	Aborted        bool                   `json:"aborted"`
	Messages       []conversation.Message `json:"messages"`
}

// View 是会话的对外视图。
type View struct {
	*conversation.Conversation
	ToolInProgress bool             `json:"tool_in_progress"`
	Pending        []confirm.Prompt `json:"pending_confirmations"`
}

// Agent 协调模型、工具调用与确认环节，是系统的业务核心。
type Agent struct {
	client       llm.Client
	registry     *tool.Registry
	runner       invocation.Runner
	store        conversation.Store
	publisher    events.Publisher
	metrics      *metrics.Metrics
	maxSteps     int
	systemPrompt string
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	turns    sync.WaitGroup
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxSteps 设置单个回合的步骤上限。
func WithMaxSteps(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// WithSystemPrompt 设置系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		a.systemPrompt = strings.TrimSpace(prompt)
	}
}

// WithStore 配置会话存储，默认使用内存存储。
func WithStore(store conversation.Store) Option {
	return func(a *Agent) {
		if store != nil {
			a.store = store
		}
	}
}

// WithPublisher 配置事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(a *Agent) {
		a.publisher = p
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。runner 负责执行已放行的调用，通常是 executor.Executor。
func New(client llm.Client, registry *tool.Registry, runner invocation.Runner, opts ...Option) *Agent {
	a := &Agent{
		client:   client,
		registry: registry,
		runner:   runner,
		maxSteps: DefaultMaxSteps,
		now:      time.Now,
		logger:   logger.Named("agent"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.store == nil {
		a.store = conversation.NewMemoryStore()
	}
	return a
}

// CreateConversation 创建新会话。
func (a *Agent) CreateConversation(ctx context.Context, title string) (*conversation.Conversation, error) {
	conv := conversation.New(strings.TrimSpace(title), a.now())
	if err := a.store.Create(ctx, conv); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	sess := a.newSession(conv)
	a.sessions[conv.ID] = sess
	return sess.Snapshot(), nil
}

// ListConversations 返回会话概要。
func (a *Agent) ListConversations(ctx context.Context, limit int) ([]conversation.Summary, error) {
	return a.store.List(ctx, limit)
}

// Conversation 返回会话记录、是否有调用在进行中以及待确认请求。
func (a *Agent) Conversation(ctx context.Context, id string) (View, error) {
	sess, err := a.Session(ctx, id)
	if err != nil {
		return View{}, err
	}
	return View{
		Conversation:   sess.Snapshot(),
		ToolInProgress: sess.InProgress(),
		Pending:        sess.Pending(),
	}, nil
}

// Session 返回会话的运行时状态，首次访问时从存储中恢复。
func (a *Agent) Session(ctx context.Context, id string) (*Session, error) {
	a.mu.Lock()
	if sess, ok := a.sessions[id]; ok {
		a.mu.Unlock()
		return sess, nil
	}
	a.mu.Unlock()

	conv, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if sess, ok := a.sessions[id]; ok {
		a.mu.Unlock()
		return sess, nil
	}
	sess := a.newSession(conv)
	a.sessions[id] = sess
	a.mu.Unlock()

	if len(conv.Invocations) > 0 {
		sess.reducer.Restore(ctx, conv.Invocations)
		a.persist(ctx, sess)
	}
	return sess, nil
}

func (a *Agent) newSession(conv *conversation.Conversation) *Session {
	sess := &Session{id: conv.ID, conv: conv.Clone()}
	sess.conv.Invocations = nil
	sess.gate = confirm.NewGate(confirm.WithNotifier(func(p confirm.Prompt) {
		a.publish(context.Background(), events.FromPrompt(p))
	}))
	sess.reducer = invocation.NewReducer(conv.ID, a.registry, a.runner, sess.gate,
		invocation.WithClock(a.now),
		invocation.WithListener(func(t invocation.Transition) { a.observe(sess, t) }))
	return sess
}

// observe 是每次状态迁移的统一出口：审计日志、指标与事件。
func (a *Agent) observe(sess *Session, t invocation.Transition) {
	inv := t.Invocation
	logger.Audit().Info("调用状态变更",
		slog.String("conversation_id", inv.ConversationID),
		slog.String("invocation_id", inv.ID),
		slog.String("tool", inv.ToolName),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.String("reason", string(inv.Reason)))

	a.metrics.ObserveTransition(inv.ToolName, string(t.From), string(t.To))
	if t.To.Terminal() {
		a.metrics.ObserveTerminal(inv.ToolName, outcome(inv))
	}
	a.publish(context.Background(), events.FromTransition(t))

	// 监听器在 Runner.Run 之前同步调用，executing 必须先落盘，重启后才不会再次展示或执行。
	if t.To == invocation.StateExecuting {
		a.persist(context.Background(), sess)
		return
	}

	// 没有回合在等待时，由这里负责落盘，例如恢复后用户才作出决定的调用。
	if t.To.Terminal() && !sess.running.Load() {
		a.turns.Add(1)
		go func() {
			defer a.turns.Done()
			a.persist(context.Background(), sess)
		}()
	}
}

func outcome(inv invocation.Invocation) string {
	if inv.State == invocation.StateCancelled {
		return string(inv.Reason)
	}
	if inv.Result != nil {
		return string(inv.Result.Status)
	}
	return string(inv.State)
}

// Decide 把用户的确认结果交给会话的确认环节。第一次决定生效，之后返回 applied=false。
func (a *Agent) Decide(ctx context.Context, conversationID, invocationID string, approve bool) (bool, error) {
	sess, err := a.Session(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return sess.gate.Decide(ctx, invocationID, confirm.Decision{Approve: approve})
}

// Submit 同步运行一个回合，直到模型不再请求工具或步骤用尽。
func (a *Agent) Submit(ctx context.Context, req TurnRequest) (TurnResult, error) {
	sess, err := a.begin(ctx, req)
	if err != nil {
		return TurnResult{}, err
	}
	defer sess.running.Store(false)
	return a.runTurn(ctx, sess, req)
}

// Start 校验后在后台运行回合。回合与 ctx 解绑，等待确认的调用可以跨越请求的生命周期。
func (a *Agent) Start(ctx context.Context, req TurnRequest) error {
	sess, err := a.begin(ctx, req)
	if err != nil {
		return err
	}
	detached := context.WithoutCancel(ctx)
	a.turns.Add(1)
	go func() {
		defer a.turns.Done()
		defer sess.running.Store(false)
		if _, err := a.runTurn(detached, sess, req); err != nil {
			a.logger.Warn("回合异常结束",
				slog.String("conversation_id", sess.id),
				slog.Any("error", err))
		}
	}()
	return nil
}

// Wait 阻塞直到后台回合与落盘全部结束，用于优雅退出。
func (a *Agent) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) begin(ctx context.Context, req TurnRequest) (*Session, error) {
	if a.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	sess, err := a.Session(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !sess.running.CompareAndSwap(false, true) {
		return nil, ErrToolInProgress.WithCause(fmt.Errorf("conversation %s has a running turn", sess.id))
	}
	if sess.reducer.InProgress() {
		sess.running.Store(false)
		return nil, ErrToolInProgress.WithCause(fmt.Errorf("conversation %s has unfinished invocations", sess.id))
	}
	return sess, nil
}

func (a *Agent) runTurn(ctx context.Context, sess *Session, req TurnRequest) (TurnResult, error) {
	log := a.logger.With(slog.String("conversation_id", sess.id), slog.Bool("local", req.Local))
	result := TurnResult{ConversationID: sess.id}

	if folded := a.foldResults(sess, sess.missingResults()); len(folded) > 0 {
		log.Info("补齐上一回合的工具结果", slog.Int("count", len(folded)))
	}

	userMsg := conversation.Message{
		ID:        conversation.NewMessageID(),
		Role:      llm.RoleUser,
		Content:   req.Content,
		CreatedAt: a.now(),
	}
	sess.append(userMsg)
	result.Messages = append(result.Messages, userMsg)
	a.publish(ctx, events.Event{Type: events.TypeTurnStarted, ConversationID: sess.id, Message: view(userMsg)})
	a.persist(ctx, sess)

	for step := 1; step <= a.maxSteps; step++ {
		result.Steps = step
		llmReq := llm.Request{
			Messages: sess.transcript(a.systemPrompt),
			Tools:    a.registry.Declarations(),
			Local:    req.Local,
		}
		out, err := a.stream(ctx, sess.id, step, llmReq)
		if err != nil {
			return a.abort(ctx, sess, result, llmReq, err)
		}

		text := out.Text
		if req.Local {
			text = llm.StripThink(text)
		}
		assistant := conversation.Message{
			ID:        conversation.NewMessageID(),
			Role:      llm.RoleAssistant,
			Content:   text,
			ToolCalls: normalizeCalls(out.ToolCalls),
			CreatedAt: a.now(),
		}
		sess.append(assistant)
		result.Messages = append(result.Messages, assistant)
		a.publish(ctx, events.Event{Type: events.TypeMessage, ConversationID: sess.id, Step: step, Message: view(assistant)})

		if len(assistant.ToolCalls) == 0 {
			break
		}

		ids := a.dispatch(ctx, sess, log, assistant)
		a.persist(ctx, sess)

		if err := sess.reducer.Wait(ctx, ids); err != nil {
			a.persist(context.WithoutCancel(ctx), sess)
			return result, err
		}
		result.Messages = append(result.Messages, a.foldResults(sess, ids)...)
		a.persist(ctx, sess)

		if step == a.maxSteps {
			log.Warn("回合达到步骤上限", slog.Int("max_steps", a.maxSteps))
		}
	}

	a.metrics.ObserveTurn(result.Steps)
	a.publish(ctx, events.Event{Type: events.TypeTurnCompleted, ConversationID: sess.id, Step: result.Steps})
	a.persist(ctx, sess)
	return result, nil
}

func (a *Agent) stream(ctx context.Context, conversationID string, step int, req llm.Request) (llm.Step, error) {
	chunks, err := a.client.Stream(ctx, req)
	if err != nil {
		return llm.Step{}, err
	}
	emit := func(delta string) {
		if delta != "" {
			a.publish(ctx, events.Event{Type: events.TypeTextDelta, ConversationID: conversationID, Step: step, Delta: delta})
		}
	}
	if !req.Local {
		return llm.Collect(ctx, chunks, emit)
	}
	// 本地推理模型的 <think> 内容不进入 text_delta。
	var think llm.ThinkFilter
	out, err := llm.Collect(ctx, chunks, func(delta string) { emit(think.Write(delta)) })
	if err == nil {
		emit(think.Flush())
	}
	return out, err
}

// abort 结束回合。对话记录停在最近一次一致的状态，下一条用户消息开启新回合。
func (a *Agent) abort(ctx context.Context, sess *Session, result TurnResult, req llm.Request, cause error) (TurnResult, error) {
	mode := llm.Mode(req)
	err := cause
	if !xerrors.HasCode(cause, xerrors.CodeBackend) {
		err = xerrors.Wrap(xerrors.CodeBackend, cause, "模型调用失败", xerrors.WithMetadata("mode", mode))
	}
	a.logger.Error("模型调用失败，回合终止",
		slog.String("conversation_id", sess.id),
		slog.String("mode", mode),
		slog.Any("error", cause))
	a.metrics.ObserveBackendError(mode)
	a.metrics.ObserveTurn(result.Steps)

	result.Aborted = true
	a.publish(ctx, events.Event{Type: events.TypeTurnAborted, ConversationID: sess.id, Step: result.Steps, Error: AbortNotice})
	a.persist(context.WithoutCancel(ctx), sess)
	return result, err
}

// dispatch 派发一个步骤内的全部调用，返回需要等待的 id。重复的 id 只等待一次。
func (a *Agent) dispatch(ctx context.Context, sess *Session, log *slog.Logger, msg conversation.Message) []string {
	ids := make([]string, 0, len(msg.ToolCalls))
	seen := make(map[string]bool, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		if seen[call.ID] {
			continue
		}
		seen[call.ID] = true
		_, err := sess.reducer.Dispatch(ctx, msg.ID, invocation.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		if err != nil {
			if !stdErrors.Is(err, invocation.ErrDuplicateInvocation) {
				log.Error("派发工具调用失败", slog.String("invocation_id", call.ID), slog.Any("error", err))
				continue
			}
			log.Warn("模型重复使用了调用 id，沿用已有结果", slog.String("invocation_id", call.ID))
		}
		ids = append(ids, call.ID)
	}
	return ids
}

// foldResults 把终态调用的结果作为工具消息追加到对话记录。
func (a *Agent) foldResults(sess *Session, ids []string) []conversation.Message {
	var out []conversation.Message
	for _, id := range ids {
		inv, ok := sess.reducer.Snapshot(id)
		if !ok || !inv.State.Terminal() {
			continue
		}
		res := invocation.Result{Status: invocation.StatusFailure, Error: "no result recorded"}
		if inv.Result != nil {
			res = *inv.Result
		}
		out = append(out, conversation.Message{
			ID:         conversation.NewMessageID(),
			Role:       llm.RoleTool,
			Content:    res.Content(),
			ToolCallID: inv.ID,
			ToolName:   inv.ToolName,
			CreatedAt:  a.now(),
		})
	}
	sess.append(out...)
	return out
}

func (a *Agent) persist(ctx context.Context, sess *Session) {
	sess.saveMu.Lock()
	defer sess.saveMu.Unlock()
	snapshot := sess.Snapshot()
	if err := a.store.Save(ctx, snapshot); err != nil {
		a.logger.Error("保存会话失败",
			slog.String("conversation_id", sess.id),
			slog.Any("error", err))
	}
}

func (a *Agent) publish(ctx context.Context, evt events.Event) {
	if a.publisher == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = a.now()
	}
	if err := a.publisher.Publish(ctx, evt); err != nil {
		a.logger.Warn("发布事件失败",
			slog.String("conversation_id", evt.ConversationID),
			slog.String("type", string(evt.Type)),
			slog.Any("error", err))
	}
}

// normalizeCalls 为缺少 id 的调用补一个，部分本地模型不返回调用 id。
func normalizeCalls(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		out[i] = c
	}
	return out
}

func view(m conversation.Message) *events.MessageView {
	return &events.MessageView{ID: m.ID, Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls}
}
