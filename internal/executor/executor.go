// Package executor 在后台运行已放行的工具调用，并把结果回写给 Reducer。
package executor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/invocation"
	"ChainChat/internal/latch"
	"ChainChat/internal/observability/alerting"
	"ChainChat/internal/tool"
	"ChainChat/internal/web3"
	"ChainChat/pkg/logger"
)

// confirmedPayload 是没有执行函数的确认类工具在批准后的结果。
var confirmedPayload = map[string]bool{"confirmed": true}

var errAlreadyExecuted = xerrors.New(xerrors.CodeExecutionFailure, "invocation was already started once; check the wallet before retrying")

// Executor 为每个进入 executing 的调用启动一个协程。
type Executor struct {
	registry *tool.Registry
	latch    latch.Latch
	timeout  time.Duration
	alerter  alerting.Dispatcher
	logger   *slog.Logger

	wg sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Executor)

// WithLatch 指定执行锁，默认使用进程内实现。
func WithLatch(l latch.Latch) Option {
	return func(e *Executor) {
		if l != nil {
			e.latch = l
		}
	}
}

// WithTimeout 限制单次执行的最长时间。
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(e *Executor) {
		e.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New 构造 Executor。
func New(registry *tool.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		latch:    latch.NewMemory(),
		timeout:  3 * time.Minute,
		logger:   logger.Named("executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run 实现 invocation.Runner。执行与发起请求的 ctx 解绑，客户端断开不会中断链上操作。
func (e *Executor) Run(ctx context.Context, inv invocation.Invocation, sink invocation.Sink) {
	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Execute(detached, inv, sink)
	}()
}

// Wait 阻塞直到所有已启动的执行结束，用于优雅退出。
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute 同步执行一次调用。同一调用最多执行一次，重复进入会被执行锁拦下。
func (e *Executor) Execute(ctx context.Context, inv invocation.Invocation, sink invocation.Sink) {
	log := e.logger.With(
		slog.String("conversation_id", inv.ConversationID),
		slog.String("invocation_id", inv.ID),
		slog.String("tool", inv.ToolName))

	acquired, err := e.latch.Acquire(ctx, latch.Key(inv.ConversationID, inv.ID))
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取执行锁失败")
		log.Error("获取执行锁失败", slog.Any("error", err))
		e.complete(log, sink, inv.ID, invocation.Failure(wrapped))
		e.emitAlert(ctx, inv, wrapped)
		return
	}
	if !acquired {
		// 执行锁已被占用：结果未知，以失败结束。
		log.Warn("调用已被执行过，不再重复执行")
		e.complete(log, sink, inv.ID, invocation.Failure(errAlreadyExecuted))
		return
	}

	def, err := e.registry.Resolve(inv.ToolName)
	if err != nil {
		e.complete(log, sink, inv.ID, invocation.Failure(err))
		return
	}
	if def.Handler == nil {
		e.complete(log, sink, inv.ID, invocation.Success(confirmedPayload))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := e.invoke(runCtx, def, inv)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		log.Info("工具执行成功", slog.Duration("elapsed", elapsed))
		e.complete(log, sink, inv.ID, invocation.Success(out))
	case stdErrors.Is(err, web3.ErrWalletRejected):
		log.Info("钱包拒绝签名", slog.String("error", err.Error()))
		if cerr := sink.Cancel(inv.ID, invocation.ReasonWalletRejected, invocation.Failure(err).Error); cerr != nil {
			log.Warn("回写取消状态失败", slog.Any("error", cerr))
		}
	default:
		if stdErrors.Is(err, context.DeadlineExceeded) && !xerrors.HasCode(err, xerrors.CodeTimeout) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("%s 执行超时", inv.ToolName))
		} else if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeExecutionFailure, err, "")
		}
		log.Warn("工具执行失败", slog.Any("error", err), slog.Duration("elapsed", elapsed))
		e.complete(log, sink, inv.ID, invocation.Failure(err))
		e.emitAlert(ctx, inv, err)
	}
}

func (e *Executor) invoke(ctx context.Context, def *tool.Definition, inv invocation.Invocation) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("工具执行发生 panic",
				slog.String("invocation_id", inv.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = xerrors.New(xerrors.CodeExecutionFailure, fmt.Sprintf("%s panicked: %v", inv.ToolName, r))
		}
	}()
	return def.Handler(ctx, tool.Call{
		ConversationID: inv.ConversationID,
		InvocationID:   inv.ID,
		Arguments:      inv.Arguments,
	})
}

func (e *Executor) complete(log *slog.Logger, sink invocation.Sink, id string, result invocation.Result) {
	if err := sink.Complete(id, result); err != nil {
		log.Warn("回写执行结果失败", slog.Any("error", err))
	}
}

func (e *Executor) emitAlert(ctx context.Context, inv invocation.Invocation, err error) {
	if e.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if alertErr := e.alerter.Notify(ctx, alerting.FromError(err, inv.ConversationID, inv.ID, inv.ToolName)); alertErr != nil {
		e.logger.Warn("发送告警失败", slog.Any("error", alertErr), slog.String("invocation_id", inv.ID))
	}
}
