// Package local 调用本地 Ollama 的 OpenAI 兼容接口，并把完整回复切片模拟为流式输出。
package local

import (
	"context"
	"strings"
	"time"

	"ChainChat/internal/llm"
	"ChainChat/internal/llm/openai"
)

const (
	defaultBaseURL = "http://localhost:11434/v1"
	defaultModel   = "llama3.1:latest"
	defaultChunk   = 24
)

// Config 描述本地模型服务。
type Config struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	// ChunkSize 是模拟流式输出时每段的字符数。
	ChunkSize int
	// ChunkDelay 是相邻两段之间的间隔，为 0 时不等待。
	ChunkDelay time.Duration
}

// Client 实现 llm.Client。
type Client struct {
	inner     *openai.Client
	chunkSize int
	delay     time.Duration
}

// NewClient 创建本地模型客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	inner, err := openai.NewClient(openai.Config{
		APIKey:        "ollama",
		BaseURL:       cfg.BaseURL,
		Model:         cfg.Model,
		Timeout:       cfg.Timeout,
		Temperature:   cfg.Temperature,
		AllowEmptyKey: true,
	})
	if err != nil {
		return nil, err
	}
	size := cfg.ChunkSize
	if size <= 0 {
		size = defaultChunk
	}
	return &Client{inner: inner, chunkSize: size, delay: cfg.ChunkDelay}, nil
}

// Stream 先取回完整回复，去掉推理块后再分段输出。
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	step, err := c.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	text := llm.StripThink(step.Text)

	chunks := make(chan llm.Chunk, 16)
	go func() {
		defer close(chunks)
		send := func(chunk llm.Chunk) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, piece := range split(text, c.chunkSize) {
			if c.delay > 0 {
				select {
				case <-ctx.Done():
					send(llm.Chunk{Err: ctx.Err(), Done: true})
					return
				case <-time.After(c.delay):
				}
			}
			if !send(llm.Chunk{Text: piece}) {
				return
			}
		}
		for i := range step.ToolCalls {
			call := step.ToolCalls[i]
			if !send(llm.Chunk{ToolCall: &call}) {
				return
			}
		}
		send(llm.Chunk{Done: true})
	}()
	return chunks, nil
}

func split(text string, size int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
