package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/internal/tool"

	goopenai "github.com/sashabaranov/go-openai"
)

func sse(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", e)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestStreamAccumulatesToolCalls(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		sse(w,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"check."}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"convert","arguments":"{\"amount\":"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"10}"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ch, err := client.Stream(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "system"},
			{Role: llm.RoleUser, Content: "convert 10 EUR"},
		},
		Tools: []tool.Declaration{{Name: "convert", Description: "convert", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	step, err := llm.Collect(context.Background(), ch, nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if step.Text != "Let me check." {
		t.Fatalf("unexpected text %q", step.Text)
	}
	if len(step.ToolCalls) != 1 || step.ToolCalls[0].Arguments != `{"amount":10}` {
		t.Fatalf("unexpected tool calls %+v", step.ToolCalls)
	}
	if received["model"] != defaultModelName || received["stream"] != true {
		t.Fatalf("unexpected request body %+v", received)
	}
	tools, _ := received["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected tool declarations to be sent, got %+v", received["tools"])
	}
}

func TestStreamFailureIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Stream(context.Background(), llm.Request{})
	if !xerrors.HasCode(err, xerrors.CodeBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestToMessagesCarriesToolContext(t *testing.T) {
	msgs := ToMessages([]llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "getBalance", Arguments: "{}"}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "getBalance", Content: `{"balance":"1"}`},
	})
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].Function.Name != "getBalance" {
		t.Fatalf("assistant tool calls not converted: %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "c1" || msgs[1].Role != "tool" {
		t.Fatalf("tool message not converted: %+v", msgs[1])
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

// endlessStream 不断返回文本片段，从不结束。
type endlessStream struct{}

func (endlessStream) Recv() (goopenai.ChatCompletionStreamResponse, error) {
	return goopenai.ChatCompletionStreamResponse{
		Choices: []goopenai.ChatCompletionStreamChoice{{Delta: goopenai.ChatCompletionStreamChoiceDelta{Content: "x"}}},
	}, nil
}

func (endlessStream) Close() error { return nil }

func TestProcessStreamExitsWhenConsumerGivesUp(t *testing.T) {
	client, err := NewClient(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	chunks := make(chan llm.Chunk)
	done := make(chan struct{})
	go func() {
		client.processStream(ctx, endlessStream{}, chunks)
		close(done)
	}()

	<-chunks
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream goroutine still blocked after the context was cancelled")
	}
}
