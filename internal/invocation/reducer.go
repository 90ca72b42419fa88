package invocation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/tool"
	"ChainChat/pkg/logger"
)

var (
	// ErrDuplicateInvocation 表示同一会话内重复派发了相同 id。
	ErrDuplicateInvocation = xerrors.New(xerrors.CodeDuplicateInvocation, "")
	// ErrInvalidTransition 表示状态迁移不在允许的表内。
	ErrInvalidTransition = xerrors.New(xerrors.CodeInvalidTransition, "")
	// ErrNotFound 表示调用 id 不存在。
	ErrNotFound = xerrors.New(xerrors.CodeInvocationNotFound, "")
)

// Sink 接收执行结果，由 Reducer 实现。
type Sink interface {
	Complete(id string, result Result) error
	Cancel(id string, reason Reason, message string) error
}

// Runner 负责真正执行已放行的调用。
type Runner interface {
	Run(ctx context.Context, inv Invocation, sink Sink)
}

// Decider 是确认环节回写决定的唯一入口。
type Decider interface {
	ApplyDecision(ctx context.Context, id string, approved bool) error
}

// Confirmer 把需要确认的调用展示给用户。
type Confirmer interface {
	Present(ctx context.Context, inv Invocation, p tool.Presentation, d Decider) error
}

// Transition 描述一次状态迁移，From 为空表示调用刚被创建。
type Transition struct {
	Invocation Invocation
	From       State
	To         State
}

// Listener 在每次状态迁移后被调用，需自行保证并发安全。
type Listener func(Transition)

type entry struct {
	inv  Invocation
	def  *tool.Definition
	done chan struct{}
}

// Reducer 串行化单个会话内所有调用的状态迁移。
type Reducer struct {
	conversationID string
	registry       *tool.Registry
	runner         Runner
	confirmer      Confirmer
	now            func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string
	listeners []Listener
}

// Option 定义可选配置。
type Option func(*Reducer)

// WithListener 注册状态迁移监听器。
func WithListener(l Listener) Option {
	return func(r *Reducer) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReducer 创建会话级别的 Reducer。
func NewReducer(conversationID string, registry *tool.Registry, runner Runner, confirmer Confirmer, opts ...Option) *Reducer {
	r := &Reducer{
		conversationID: conversationID,
		registry:       registry,
		runner:         runner,
		confirmer:      confirmer,
		now:            time.Now,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Observe 追加一个监听器。
func (r *Reducer) Observe(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Dispatch 登记模型发出的调用，并按工具的风险等级路由到执行器或确认环节。
// 重复的 id 不会产生任何副作用。
func (r *Reducer) Dispatch(ctx context.Context, messageID string, call Call) (Invocation, error) {
	if call.ID == "" {
		return Invocation{}, xerrors.New(xerrors.CodeInvalidArgument, "工具调用缺少 id")
	}
	r.mu.Lock()
	if _, exists := r.entries[call.ID]; exists {
		r.mu.Unlock()
		return Invocation{}, ErrDuplicateInvocation.WithCause(fmt.Errorf("invocation %q", call.ID))
	}
	now := r.now()
	e := &entry{
		inv: Invocation{
			ID:             call.ID,
			ConversationID: r.conversationID,
			MessageID:      messageID,
			ToolName:       call.Name,
			RawArguments:   call.Arguments,
			State:          StatePending,
			History:        []State{StatePending},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		done: make(chan struct{}),
	}
	r.entries[call.ID] = e
	r.order = append(r.order, call.ID)
	emitted := []Transition{{Invocation: e.inv.Clone(), To: StatePending}}

	def, args, err := r.resolve(call)
	if err != nil {
		res := Cancelled(ReasonValidation, err.Error())
		emitted = append(emitted, r.apply(e, StateCancelled, ReasonValidation, &res))
		snapshot := e.inv.Clone()
		listeners := r.snapshotListeners()
		r.mu.Unlock()
		notify(listeners, emitted)
		logger.L().Info("工具调用参数校验失败",
			slog.String("conversation_id", r.conversationID),
			slog.String("invocation_id", call.ID),
			slog.String("tool", call.Name),
			slog.Any("error", err))
		return snapshot, nil
	}
	e.def = def
	e.inv.Arguments = args
	e.inv.Risk = def.Risk

	next := StateExecuting
	if def.RequiresConfirmation() {
		next = StateAwaitingConfirmation
	}
	emitted = append(emitted, r.apply(e, next, ReasonNone, nil))
	snapshot := e.inv.Clone()
	listeners := r.snapshotListeners()
	r.mu.Unlock()
	notify(listeners, emitted)

	if next == StateAwaitingConfirmation {
		if err := r.confirmer.Present(ctx, snapshot, def.Present(cloneArgs(args)), r); err != nil {
			logger.L().Error("展示确认请求失败",
				slog.String("invocation_id", call.ID),
				slog.Any("error", err))
			_ = r.Cancel(call.ID, ReasonUnavailable, "")
		}
		return r.mustSnapshot(call.ID), nil
	}
	r.runner.Run(ctx, snapshot, r)
	return r.mustSnapshot(call.ID), nil
}

func (r *Reducer) resolve(call Call) (*tool.Definition, map[string]any, error) {
	if r.registry == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}
	def, err := r.registry.Resolve(call.Name)
	if err != nil {
		return nil, nil, err
	}
	args, err := tool.ParseArguments(call.Arguments)
	if err != nil {
		return nil, nil, err
	}
	if err := def.Validate(args); err != nil {
		return nil, nil, err
	}
	return def, args, nil
}

// ApplyDecision 处理确认结果：批准后进入执行，拒绝则以 user_denied 取消。
// 两者都只对 awaiting_confirmation 的调用生效。
func (r *Reducer) ApplyDecision(ctx context.Context, id string, approved bool) error {
	to := StateExecuting
	if !approved {
		to = StateCancelled
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound.WithCause(fmt.Errorf("invocation %q", id))
	}
	if e.inv.State != StateAwaitingConfirmation {
		from := e.inv.State
		r.mu.Unlock()
		return ErrInvalidTransition.WithCause(fmt.Errorf("%s: %s -> %s", id, from, to))
	}
	var t Transition
	if approved {
		t = r.apply(e, StateExecuting, ReasonNone, nil)
	} else {
		res := Cancelled(ReasonUserDenied, "")
		t = r.apply(e, StateCancelled, ReasonUserDenied, &res)
	}
	snapshot := e.inv.Clone()
	listeners := r.snapshotListeners()
	r.mu.Unlock()
	notify(listeners, []Transition{t})

	if approved {
		r.runner.Run(ctx, snapshot, r)
	}
	return nil
}

// Complete 把执行中的调用标记为完成。
func (r *Reducer) Complete(id string, result Result) error {
	return r.Transition(id, StateCompleted, ReasonNone, &result)
}

// Cancel 以指定原因取消调用。
func (r *Reducer) Cancel(id string, reason Reason, message string) error {
	res := Cancelled(reason, message)
	return r.Transition(id, StateCancelled, reason, &res)
}

// Transition 按迁移表修改状态；终态之后的任何迁移都会被拒绝。
func (r *Reducer) Transition(id string, to State, reason Reason, result *Result) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound.WithCause(fmt.Errorf("invocation %q", id))
	}
	if !CanTransition(e.inv.State, to) {
		from := e.inv.State
		r.mu.Unlock()
		return ErrInvalidTransition.WithCause(fmt.Errorf("%s: %s -> %s", id, from, to))
	}
	t := r.apply(e, to, reason, result)
	listeners := r.snapshotListeners()
	r.mu.Unlock()
	notify(listeners, []Transition{t})
	return nil
}

// apply 必须在持有锁时调用。
func (r *Reducer) apply(e *entry, to State, reason Reason, result *Result) Transition {
	from := e.inv.State
	e.inv.State = to
	e.inv.History = append(e.inv.History, to)
	e.inv.UpdatedAt = r.now()
	if reason != ReasonNone {
		e.inv.Reason = reason
	}
	if result != nil {
		res := *result
		e.inv.Result = &res
	}
	if to.Terminal() {
		close(e.done)
	}
	return Transition{Invocation: e.inv.Clone(), From: from, To: to}
}

func (r *Reducer) snapshotListeners() []Listener {
	return append([]Listener(nil), r.listeners...)
}

func notify(listeners []Listener, transitions []Transition) {
	for _, t := range transitions {
		for _, l := range listeners {
			l(t)
		}
	}
}

// Wait 阻塞直到所有指定调用进入终态，与完成顺序无关。
func (r *Reducer) Wait(ctx context.Context, ids []string) error {
	chans := make([]chan struct{}, 0, len(ids))
	r.mu.Lock()
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			r.mu.Unlock()
			return ErrNotFound.WithCause(fmt.Errorf("invocation %q", id))
		}
		chans = append(chans, e.done)
	}
	r.mu.Unlock()

	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// InProgress 判断会话中是否仍有未结束的调用。
func (r *Reducer) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if !e.inv.State.Terminal() {
			return true
		}
	}
	return false
}

// Snapshot 返回调用的当前副本。
func (r *Reducer) Snapshot(id string) (Invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Invocation{}, false
	}
	return e.inv.Clone(), true
}

func (r *Reducer) mustSnapshot(id string) Invocation {
	inv, _ := r.Snapshot(id)
	return inv
}

// ForMessage 按派发顺序返回某条助手消息下的全部调用。
func (r *Reducer) ForMessage(messageID string) []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invocation
	for _, id := range r.order {
		if e := r.entries[id]; e.inv.MessageID == messageID {
			out = append(out, e.inv.Clone())
		}
	}
	return out
}

// All 按派发顺序返回全部调用。
func (r *Reducer) All() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Invocation, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].inv.Clone())
	}
	return out
}

// Restore 载入持久化的调用记录。等待确认的调用会重新交给确认环节；
// pending 与 executing 的调用无法得知是否已产生链上副作用，统一以失败结果结束，不会重新执行。
func (r *Reducer) Restore(ctx context.Context, invs []Invocation) {
	type prompt struct {
		inv Invocation
		def *tool.Definition
	}
	var represent []prompt
	var emitted []Transition

	r.mu.Lock()
	for _, inv := range invs {
		if _, exists := r.entries[inv.ID]; exists || inv.ID == "" {
			continue
		}
		e := &entry{inv: inv.Clone(), done: make(chan struct{})}
		e.inv.ConversationID = r.conversationID
		if r.registry != nil {
			if def, err := r.registry.Resolve(inv.ToolName); err == nil {
				e.def = def
			}
		}
		r.entries[inv.ID] = e
		r.order = append(r.order, inv.ID)

		switch e.inv.State {
		case StateCompleted, StateCancelled:
			close(e.done)
		case StateAwaitingConfirmation:
			if e.def != nil {
				represent = append(represent, prompt{inv: e.inv.Clone(), def: e.def})
				continue
			}
			res := Cancelled(ReasonUnavailable, "tool is no longer available")
			emitted = append(emitted, r.apply(e, StateCancelled, ReasonUnavailable, &res))
		case StateExecuting:
			res := Failure(fmt.Errorf("execution interrupted; check the wallet before retrying"))
			emitted = append(emitted, r.apply(e, StateCompleted, ReasonNone, &res))
		default:
			e.inv.State = StatePending
			res := Cancelled(ReasonValidation, "invocation interrupted before validation")
			emitted = append(emitted, r.apply(e, StateCancelled, ReasonValidation, &res))
		}
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()
	notify(listeners, emitted)

	for _, p := range represent {
		if err := r.confirmer.Present(ctx, p.inv, p.def.Present(cloneArgs(p.inv.Arguments)), r); err != nil {
			_ = r.Cancel(p.inv.ID, ReasonUnavailable, "")
		}
	}
}
