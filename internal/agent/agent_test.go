package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChainChat/internal/conversation"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/events"
	"ChainChat/internal/executor"
	"ChainChat/internal/invocation"
	"ChainChat/internal/llm"
	"ChainChat/internal/tool"
)

// scriptedLLM 按请求顺序返回预设的步骤输出。
type scriptedLLM struct {
	mu       sync.Mutex
	steps    []func(req llm.Request) ([]llm.Chunk, error)
	fallback func(n int) []llm.Chunk
	requests []llm.Request
}

func (s *scriptedLLM) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	var (
		chunks []llm.Chunk
		err    error
	)
	switch {
	case idx < len(s.steps):
		chunks, err = s.steps[idx](req)
	case s.fallback != nil:
		chunks = s.fallback(idx)
	default:
		chunks = []llm.Chunk{{Text: "done"}}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) request(i int) llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func toolCall(id, name, args string) func(llm.Request) ([]llm.Chunk, error) {
	return func(llm.Request) ([]llm.Chunk, error) {
		return []llm.Chunk{{ToolCall: &llm.ToolCall{ID: id, Name: name, Arguments: args}}}, nil
	}
}

func text(s string) func(llm.Request) ([]llm.Chunk, error) {
	return func(llm.Request) ([]llm.Chunk, error) {
		return []llm.Chunk{{Text: s}}, nil
	}
}

type fixture struct {
	agent     *Agent
	llm       *scriptedLLM
	bus       *events.Bus
	store     *conversation.MemoryStore
	registry  *tool.Registry
	transfers atomic.Int32

	// started 与 release 非空时，transfer 在开始后阻塞直到 release 关闭。
	started chan struct{}
	release chan struct{}
}

func newFixture(t *testing.T, steps ...func(llm.Request) ([]llm.Chunk, error)) *fixture {
	t.Helper()
	f := &fixture{
		llm:   &scriptedLLM{steps: steps},
		bus:   events.NewBus(),
		store: conversation.NewMemoryStore(),
	}
	reg := tool.NewRegistry()
	reg.MustRegister(
		tool.Definition{
			Name:   "getBalance",
			Schema: json.RawMessage(`{"type":"object","properties":{}}`),
			Risk:   tool.RiskAuto,
			Handler: func(context.Context, tool.Call) (any, error) {
				return map[string]string{"balance": "10", "symbol": "AVAX"}, nil
			},
		},
		tool.Definition{
			Name: "transfer",
			Schema: json.RawMessage(`{"type":"object","properties":{
				"to":{"type":"string","pattern":"^0x[0-9a-fA-F]{40}$"},
				"amount":{"type":"number","exclusiveMinimum":0}},"required":["to","amount"]}`),
			Risk: tool.RiskConfirm,
			Handler: func(context.Context, tool.Call) (any, error) {
				f.transfers.Add(1)
				if f.release != nil {
					f.started <- struct{}{}
					<-f.release
				}
				return map[string]string{"message": "Transaction sent!"}, nil
			},
			Presenter: func(args map[string]any) tool.Presentation {
				return tool.Presentation{ActionType: "transfer", Message: fmt.Sprintf("Send %v AVAX?", args["amount"]), Parameters: args}
			},
		},
		tool.Definition{
			Name:   "sleepy",
			Schema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"integer"}},"required":["ms"]}`),
			Risk:   tool.RiskAuto,
			Handler: func(ctx context.Context, call tool.Call) (any, error) {
				ms, _ := call.Arguments["ms"].(float64)
				time.Sleep(time.Duration(ms) * time.Millisecond)
				return map[string]any{"slept": ms, "id": call.InvocationID}, nil
			},
		},
	)
	reg.Freeze()
	f.registry = reg

	f.agent = New(f.llm, reg, executor.New(reg),
		WithStore(f.store),
		WithPublisher(f.bus),
		WithSystemPrompt("you are a wallet assistant"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.agent.Wait(ctx)
		f.bus.Close()
	})
	return f
}

func (f *fixture) newConversation(t *testing.T) string {
	t.Helper()
	conv, err := f.agent.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	return conv.ID
}

const recipient = "0x1234567890abcdef1234567890abcdef12345678"

func TestBalanceTurnRunsWithoutConfirmation(t *testing.T) {
	f := newFixture(t,
		toolCall("call_bal", "getBalance", `{}`),
		text("You have 10 AVAX."))
	id := f.newConversation(t)

	res, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "what is my balance?"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps)
	assert.False(t, res.Aborted)

	view, err := f.agent.Conversation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, view.Messages, 4)
	assert.Equal(t, llm.RoleUser, view.Messages[0].Role)
	assert.Equal(t, "what is my balance?", view.Title)
	assert.Equal(t, llm.RoleTool, view.Messages[2].Role)
	assert.Equal(t, "call_bal", view.Messages[2].ToolCallID)
	assert.Contains(t, view.Messages[2].Content, `"balance":"10"`)
	assert.Equal(t, "You have 10 AVAX.", view.Messages[3].Content)
	assert.False(t, view.ToolInProgress)
	assert.Empty(t, view.Pending)

	require.Len(t, view.Invocations, 1)
	assert.Equal(t, []invocation.State{
		invocation.StatePending, invocation.StateExecuting, invocation.StateCompleted,
	}, view.Invocations[0].History)

	second := f.llm.request(1)
	assert.Equal(t, llm.RoleSystem, second.Messages[0].Role)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "getBalance", last.Name)
	assert.Len(t, second.Tools, 3)

	stored, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 4)
	require.Len(t, stored.Invocations, 1)
	assert.Equal(t, invocation.StateCompleted, stored.Invocations[0].State)
}

func submitAsync(f *fixture, req TurnRequest) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := f.agent.Submit(context.Background(), req)
		done <- err
	}()
	return done
}

func waitForPrompt(t *testing.T, f *fixture, id string) string {
	t.Helper()
	var invocationID string
	require.Eventually(t, func() bool {
		view, err := f.agent.Conversation(context.Background(), id)
		if err != nil || len(view.Pending) == 0 {
			return false
		}
		invocationID = view.Pending[0].InvocationID
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return invocationID
}

func TestTransferApprovedExecutesOnce(t *testing.T) {
	f := newFixture(t,
		toolCall("call_tx", "transfer", `{"to":"`+recipient+`","amount":0.1}`),
		text("Sent."))
	id := f.newConversation(t)
	sub, cancel := f.bus.Subscribe(id, 256)
	defer cancel()

	done := submitAsync(f, TurnRequest{ConversationID: id, Content: "send 0.1 AVAX"})
	invID := waitForPrompt(t, f, id)
	assert.Equal(t, "call_tx", invID)
	assert.Equal(t, 1, f.llm.count(), "no follow-up request while the call awaits confirmation")

	_, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "hello?"})
	assert.Equal(t, xerrors.CodeToolInProgress, xerrors.CodeOf(err))

	applied, err := f.agent.Decide(context.Background(), id, invID, true)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.agent.Decide(context.Background(), id, invID, false)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.transfers.Load())

	view, err := f.agent.Conversation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, view.Invocations, 1)
	assert.Equal(t, []invocation.State{
		invocation.StatePending, invocation.StateAwaitingConfirmation, invocation.StateExecuting, invocation.StateCompleted,
	}, view.Invocations[0].History)

	var sawPrompt, sawCompleted bool
	for len(sub) > 0 {
		evt := <-sub
		switch evt.Type {
		case events.TypePrompt:
			sawPrompt = true
			assert.Equal(t, "transfer", evt.Prompt.ActionType)
		case events.TypeTurnCompleted:
			sawCompleted = true
		}
	}
	assert.True(t, sawPrompt)
	assert.True(t, sawCompleted)
}

func TestTransferDeniedNeverExecutes(t *testing.T) {
	f := newFixture(t,
		toolCall("call_tx", "transfer", `{"to":"`+recipient+`","amount":0.1}`),
		text("Okay, cancelled."))
	id := f.newConversation(t)

	done := submitAsync(f, TurnRequest{ConversationID: id, Content: "send 0.1 AVAX"})
	invID := waitForPrompt(t, f, id)

	applied, err := f.agent.Decide(context.Background(), id, invID, false)
	require.NoError(t, err)
	assert.True(t, applied)
	require.NoError(t, <-done)

	assert.Equal(t, int32(0), f.transfers.Load())
	view, err := f.agent.Conversation(context.Background(), id)
	require.NoError(t, err)
	inv := view.Invocations[0]
	assert.Equal(t, invocation.StateCancelled, inv.State)
	assert.Equal(t, invocation.ReasonUserDenied, inv.Reason)
	assert.Contains(t, view.Messages[2].Content, "user_denied")
}

func TestValidationFailureSkipsGate(t *testing.T) {
	f := newFixture(t,
		toolCall("call_bad", "transfer", `{"to":"0x1234","amount":-1}`),
		text("That address looks wrong."))
	id := f.newConversation(t)

	_, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "send -1 to 0x1234"})
	require.NoError(t, err)

	view, err := f.agent.Conversation(context.Background(), id)
	require.NoError(t, err)
	inv := view.Invocations[0]
	assert.Equal(t, []invocation.State{invocation.StatePending, invocation.StateCancelled}, inv.History)
	assert.Equal(t, invocation.ReasonValidation, inv.Reason)
	assert.Empty(t, view.Pending)
	assert.Equal(t, int32(0), f.transfers.Load())
}

func TestTwoCallsInOneStepAttributedByID(t *testing.T) {
	f := newFixture(t,
		func(llm.Request) ([]llm.Chunk, error) {
			return []llm.Chunk{
				{ToolCall: &llm.ToolCall{ID: "call_slow", Name: "sleepy", Arguments: `{"ms":60}`}},
				{ToolCall: &llm.ToolCall{ID: "call_fast", Name: "sleepy", Arguments: `{"ms":1}`}},
			}, nil
		},
		text("both done"))
	id := f.newConversation(t)

	_, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "go"})
	require.NoError(t, err)

	view, err := f.agent.Conversation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, view.Messages, 5)
	for _, m := range view.Messages[2:4] {
		require.Equal(t, llm.RoleTool, m.Role)
		assert.Contains(t, m.Content, `"id":"`+m.ToolCallID+`"`)
	}
	assert.Equal(t, 2, f.llm.count())
}

func TestBackendErrorAbortsTurn(t *testing.T) {
	f := newFixture(t,
		func(llm.Request) ([]llm.Chunk, error) {
			return nil, errors.New("connection reset")
		},
		text("hello again"))
	id := f.newConversation(t)
	sub, cancel := f.bus.Subscribe(id, 64)
	defer cancel()

	res, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeBackend, xerrors.CodeOf(err))
	assert.True(t, res.Aborted)

	var notice string
	for len(sub) > 0 {
		if evt := <-sub; evt.Type == events.TypeTurnAborted {
			notice = evt.Error
		}
	}
	assert.Equal(t, AbortNotice, notice)

	view, err := f.agent.Conversation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, view.Messages, 1)
	assert.False(t, view.ToolInProgress)

	_, err = f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "hi again"})
	require.NoError(t, err)
}

func TestStepBudgetStopsLoop(t *testing.T) {
	f := newFixture(t)
	f.llm.fallback = func(n int) []llm.Chunk {
		return []llm.Chunk{{ToolCall: &llm.ToolCall{ID: fmt.Sprintf("call_%d", n), Name: "getBalance", Arguments: `{}`}}}
	}
	id := f.newConversation(t)

	res, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "loop"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSteps, res.Steps)
	assert.Equal(t, DefaultMaxSteps, f.llm.count())
}

func TestMissingToolCallIDIsFilled(t *testing.T) {
	f := newFixture(t, toolCall("", "getBalance", `{}`), text("ok"))
	id := f.newConversation(t)

	_, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "balance"})
	require.NoError(t, err)

	view, err := f.agent.Conversation(context.Background(), id)
	require.NoError(t, err)
	callID := view.Messages[1].ToolCalls[0].ID
	assert.True(t, strings.HasPrefix(callID, "call_"))
	assert.Equal(t, callID, view.Messages[2].ToolCallID)
}

func TestRestoreRepresentsPendingConfirmation(t *testing.T) {
	f := newFixture(t, text("Sent."))
	now := time.Now()
	conv := &conversation.Conversation{
		ID:        "restored",
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []conversation.Message{
			{ID: "m1", Role: llm.RoleUser, Content: "send 0.1", CreatedAt: now},
			{ID: "m2", Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_tx", Name: "transfer"}}, CreatedAt: now},
		},
		Invocations: []invocation.Invocation{{
			ID:        "call_tx",
			MessageID: "m2",
			ToolName:  "transfer",
			Arguments: map[string]any{"to": recipient, "amount": 0.1},
			State:     invocation.StateAwaitingConfirmation,
			History:   []invocation.State{invocation.StatePending, invocation.StateAwaitingConfirmation},
		}},
	}
	require.NoError(t, f.store.Create(context.Background(), conv))

	view, err := f.agent.Conversation(context.Background(), "restored")
	require.NoError(t, err)
	require.Len(t, view.Pending, 1)
	assert.True(t, view.ToolInProgress)

	applied, err := f.agent.Decide(context.Background(), "restored", "call_tx", true)
	require.NoError(t, err)
	assert.True(t, applied)

	require.Eventually(t, func() bool {
		v, err := f.agent.Conversation(context.Background(), "restored")
		return err == nil && !v.ToolInProgress
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.agent.Submit(context.Background(), TurnRequest{ConversationID: "restored", Content: "done?"})
	require.NoError(t, err)

	view, err = f.agent.Conversation(context.Background(), "restored")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(view.Messages), 4)
	assert.Equal(t, llm.RoleTool, view.Messages[2].Role, "the late result is folded before the new user message")
	assert.Equal(t, "call_tx", view.Messages[2].ToolCallID)
	assert.Equal(t, int32(1), f.transfers.Load())
}

func TestRestartDuringExecutionNeverRunsTwice(t *testing.T) {
	f := newFixture(t,
		toolCall("call_tx", "transfer", `{"to":"`+recipient+`","amount":0.1}`),
		text("Sent."))
	f.started = make(chan struct{}, 1)
	f.release = make(chan struct{})
	id := f.newConversation(t)

	done := submitAsync(f, TurnRequest{ConversationID: id, Content: "send 0.1 AVAX"})
	invID := waitForPrompt(t, f, id)
	applied, err := f.agent.Decide(context.Background(), id, invID, true)
	require.NoError(t, err)
	require.True(t, applied)

	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not start")
	}

	stored, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, stored.Invocations, 1)
	assert.Equal(t, invocation.StateExecuting, stored.Invocations[0].State)

	// 同一存储上的新进程：进行中的调用以失败结束，不再展示确认。
	restarted := New(f.llm, f.registry, executor.New(f.registry), WithStore(f.store))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = restarted.Wait(ctx)
	})
	view, err := restarted.Conversation(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, view.Pending)
	assert.False(t, view.ToolInProgress)
	require.Len(t, view.Invocations, 1)
	assert.Equal(t, invocation.StateCompleted, view.Invocations[0].State)
	require.NotNil(t, view.Invocations[0].Result)
	assert.Equal(t, invocation.StatusFailure, view.Invocations[0].Result.Status)

	applied, err = restarted.Decide(context.Background(), id, invID, true)
	assert.False(t, applied)
	assert.Equal(t, xerrors.CodeInvocationNotFound, xerrors.CodeOf(err))

	close(f.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.transfers.Load())
}

func TestLocalTurnHidesThinkFromDeltas(t *testing.T) {
	f := newFixture(t, func(llm.Request) ([]llm.Chunk, error) {
		return []llm.Chunk{{Text: "<thi"}, {Text: "nk>plan a transfer</th"}, {Text: "ink>Sure."}}, nil
	})
	id := f.newConversation(t)
	sub, cancel := f.bus.Subscribe(id, 64)
	defer cancel()

	_, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: id, Content: "hi", Local: true})
	require.NoError(t, err)
	assert.True(t, f.llm.request(0).Local)

	var streamed strings.Builder
	for len(sub) > 0 {
		if evt := <-sub; evt.Type == events.TypeTextDelta {
			streamed.WriteString(evt.Delta)
		}
	}
	assert.Equal(t, "Sure.", streamed.String())
	assert.NotContains(t, streamed.String(), "plan")

	view, err := f.agent.Conversation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "Sure.", view.Messages[1].Content)
}

func TestUnknownConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.agent.Submit(context.Background(), TurnRequest{ConversationID: "nope", Content: "hi"})
	assert.Equal(t, xerrors.CodeConversationNotFound, xerrors.CodeOf(err))
}
