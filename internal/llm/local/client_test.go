package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
)

func TestLocalStripsThinkAndSimulatesStreaming(t *testing.T) {
	var gotStream bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotStream, _ = body["stream"].(bool)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","model":"llama3.1:latest","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"<think>user wants balance</think>Yo, checking your balance now.","tool_calls":[{"id":"call_1","type":"function","function":{"name":"getBalance","arguments":"{}"}}]}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/v1", ChunkSize: 5})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ch, err := client.Stream(context.Background(), llm.Request{
		Local:    true,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "balance?"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var pieces int
	step, err := llm.Collect(context.Background(), ch, func(string) { pieces++ })
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if gotStream {
		t.Fatalf("local backend should request a non-streaming completion")
	}
	if step.Text != "Yo, checking your balance now." {
		t.Fatalf("unexpected text: %q", step.Text)
	}
	if pieces < 2 {
		t.Fatalf("expected text to be split into several chunks, got %d", pieces)
	}
	if len(step.ToolCalls) != 1 || step.ToolCalls[0].Name != "getBalance" {
		t.Fatalf("unexpected tool calls: %+v", step.ToolCalls)
	}
}

func TestLocalBackendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"model not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Stream(context.Background(), llm.Request{Local: true})
	if !xerrors.HasCode(err, xerrors.CodeBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	if got := split("", 4); len(got) != 0 {
		t.Fatalf("empty text should produce no chunks")
	}
	got := split("héllo wörld", 4)
	if len(got) != 3 || got[0] != "héll" {
		t.Fatalf("unexpected split: %q", got)
	}
}
