package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/invocation"
	"ChainChat/internal/latch"
	"ChainChat/internal/observability/alerting"
	"ChainChat/internal/tool"
	"ChainChat/internal/web3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cancelled struct {
	reason  invocation.Reason
	message string
}

type recordingSink struct {
	mu        sync.Mutex
	completed map[string]invocation.Result
	cancelled map[string]cancelled
	done      chan string
}

func newSink() *recordingSink {
	return &recordingSink{
		completed: map[string]invocation.Result{},
		cancelled: map[string]cancelled{},
		done:      make(chan string, 16),
	}
}

func (s *recordingSink) Complete(id string, r invocation.Result) error {
	s.mu.Lock()
	s.completed[id] = r
	s.mu.Unlock()
	s.done <- id
	return nil
}

func (s *recordingSink) Cancel(id string, reason invocation.Reason, msg string) error {
	s.mu.Lock()
	s.cancelled[id] = cancelled{reason: reason, message: msg}
	s.mu.Unlock()
	s.done <- id
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func registry(t *testing.T, handlers map[string]tool.Handler) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	for name, h := range handlers {
		risk := tool.RiskAuto
		if h == nil {
			risk = tool.RiskConfirm
		}
		require.NoError(t, reg.Register(tool.Definition{Name: name, Risk: risk, Handler: h}))
	}
	return reg
}

func inv(id, name string) invocation.Invocation {
	return invocation.Invocation{ID: id, ConversationID: "conv", ToolName: name, Arguments: map[string]any{"amount": 1}}
}

func TestExecuteSuccessAndConfirmationOnly(t *testing.T) {
	reg := registry(t, map[string]tool.Handler{
		"getBalance": func(_ context.Context, call tool.Call) (any, error) {
			return map[string]any{"balance": "10", "amount": call.Arguments["amount"]}, nil
		},
		"askForConfirmation": nil,
	})
	sink := newSink()
	e := New(reg)

	e.Execute(context.Background(), inv("a", "getBalance"), sink)
	e.Execute(context.Background(), inv("b", "askForConfirmation"), sink)

	require.Equal(t, invocation.StatusSuccess, sink.completed["a"].Status)
	assert.JSONEq(t, `{"balance":"10","amount":1}`, string(sink.completed["a"].Data))

	var payload map[string]bool
	require.NoError(t, json.Unmarshal(sink.completed["b"].Data, &payload))
	assert.True(t, payload["confirmed"])
}

func TestWalletRejectionCancels(t *testing.T) {
	reg := registry(t, map[string]tool.Handler{
		"transfer": func(context.Context, tool.Call) (any, error) {
			return nil, web3.ErrWalletRejected.WithCause(errors.New("user closed popup"))
		},
	})
	sink := newSink()
	alerter := &recordingAlerter{}
	New(reg, WithAlertDispatcher(alerter)).Execute(context.Background(), inv("t", "transfer"), sink)

	got, ok := sink.cancelled["t"]
	require.True(t, ok)
	assert.Equal(t, invocation.ReasonWalletRejected, got.reason)
	assert.Contains(t, got.message, "user closed popup")
	assert.Empty(t, sink.completed)
	assert.Empty(t, alerter.events)
}

func TestFailuresCompleteWithPayloadAndAlert(t *testing.T) {
	reg := registry(t, map[string]tool.Handler{
		"transfer": func(context.Context, tool.Call) (any, error) { return nil, errors.New("insufficient funds") },
		"swap":     func(context.Context, tool.Call) (any, error) { panic("boom") },
	})
	sink := newSink()
	alerter := &recordingAlerter{}
	e := New(reg, WithAlertDispatcher(alerter))

	e.Execute(context.Background(), inv("t", "transfer"), sink)
	e.Execute(context.Background(), inv("s", "swap"), sink)

	assert.Equal(t, invocation.StatusFailure, sink.completed["t"].Status)
	assert.Equal(t, "tool execution failed: insufficient funds", sink.completed["t"].Error)
	assert.Equal(t, invocation.StatusFailure, sink.completed["s"].Status)
	assert.Contains(t, sink.completed["s"].Error, "panicked")

	require.Len(t, alerter.events, 2)
	assert.Equal(t, xerrors.CodeExecutionFailure, alerter.events[0].Code)
	assert.Equal(t, "t", alerter.events[0].InvocationID)
}

func TestTimeoutIsReported(t *testing.T) {
	reg := registry(t, map[string]tool.Handler{
		"swap": func(ctx context.Context, _ tool.Call) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	sink := newSink()
	New(reg, WithTimeout(20*time.Millisecond)).Execute(context.Background(), inv("s", "swap"), sink)

	assert.Equal(t, invocation.StatusFailure, sink.completed["s"].Status)
	assert.Contains(t, sink.completed["s"].Error, "deadline exceeded")
}

func TestLatchPreventsDoubleExecution(t *testing.T) {
	var calls int32
	reg := registry(t, map[string]tool.Handler{
		"transfer": func(context.Context, tool.Call) (any, error) {
			atomic.AddInt32(&calls, 1)
			return "ok", nil
		},
	})
	shared := latch.NewMemory()
	firstSink, secondSink := newSink(), newSink()

	first := New(reg, WithLatch(shared))
	second := New(reg, WithLatch(shared))
	first.Execute(context.Background(), inv("x", "transfer"), firstSink)
	second.Execute(context.Background(), inv("x", "transfer"), secondSink)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, shared.Held(latch.Key("conv", "x")))
	assert.Equal(t, invocation.StatusSuccess, firstSink.completed["x"].Status)

	// 第二次进入不会停在 executing，而是以失败结束。
	got, ok := secondSink.completed["x"]
	require.True(t, ok)
	assert.Equal(t, invocation.StatusFailure, got.Status)
	assert.Contains(t, got.Error, "already started")
}

func TestRunDetachesFromRequestContext(t *testing.T) {
	reg := registry(t, map[string]tool.Handler{
		"transfer": func(ctx context.Context, _ tool.Call) (any, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return "sent", nil
		},
	})
	sink := newSink()
	e := New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx, inv("d", "transfer"), sink)

	select {
	case id := <-sink.done:
		assert.Equal(t, "d", id)
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not finish")
	}
	require.NoError(t, e.Wait(context.Background()))
	assert.Equal(t, invocation.StatusSuccess, sink.completed["d"].Status)
}
