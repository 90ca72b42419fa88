// Package openai 通过 OpenAI 兼容的 Chat Completions 接口流式调用远程模型。
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/internal/tool"

	goopenai "github.com/sashabaranov/go-openai"
)

const (
	defaultModelName = "gpt-4o"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	// AllowEmptyKey 允许不带密钥访问，本地 OpenAI 兼容服务需要。
	AllowEmptyKey bool
}

// Client 通过 go-openai 调用大模型。
type Client struct {
	api         *goopenai.Client
	model       string
	temperature float32
	mode        string
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && !cfg.AllowEmptyKey {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	mode := "remote"
	if cfg.AllowEmptyKey {
		mode = "local"
	}
	return &Client{
		api:         goopenai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
		mode:        mode,
	}, nil
}

// Model 返回使用的模型名称。
func (c *Client) Model() string { return c.model }

// ChatRequest 把通用请求转换为 go-openai 的请求结构。
func (c *Client) ChatRequest(req llm.Request, stream bool) goopenai.ChatCompletionRequest {
	out := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    ToMessages(req.Messages),
		Temperature: c.temperature,
		Stream:      stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = ToTools(req.Tools)
	}
	return out
}

// Complete 以非流式方式请求一次完整回复。
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Step, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.ChatRequest(req, false))
	if err != nil {
		return llm.Step{}, c.backendError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Step{}, c.backendError(errors.New("响应中没有有效的 choices"))
	}
	msg := resp.Choices[0].Message
	step := llm.Step{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		step.ToolCalls = append(step.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return step, nil
}

// Stream 实现 llm.Client。
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, c.ChatRequest(req, true))
	if err != nil {
		return nil, c.backendError(err)
	}
	chunks := make(chan llm.Chunk, 16)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

// completionStream 是 *goopenai.ChatCompletionStream 中用到的部分。
type completionStream interface {
	Recv() (goopenai.ChatCompletionStreamResponse, error)
	Close() error
}

func (c *Client) processStream(ctx context.Context, stream completionStream, chunks chan<- llm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	// send 在消费方放弃后返回 false，协程随即退出。
	send := func(chunk llm.Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var acc llm.ToolCallAccumulator
	emitCalls := func() bool {
		for _, call := range acc.Flush() {
			if !send(llm.Chunk{ToolCall: &call}) {
				return false
			}
		}
		return true
	}

	for {
		if ctx.Err() != nil {
			send(llm.Chunk{Err: ctx.Err(), Done: true})
			return
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if emitCalls() {
					send(llm.Chunk{Done: true})
				}
				return
			}
			send(llm.Chunk{Err: c.backendError(err), Done: true})
			return
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" && !send(llm.Chunk{Text: delta.Content}) {
			return
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc.Add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		if response.Choices[0].FinishReason == goopenai.FinishReasonToolCalls && !emitCalls() {
			return
		}
	}
}

func (c *Client) backendError(err error) error {
	return xerrors.Wrap(xerrors.CodeBackend, err, "", xerrors.WithMetadata("mode", c.mode), xerrors.WithMetadata("model", c.model))
}

// ToMessages 转换上下文消息。
func ToMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		switch m.Role {
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case llm.RoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		}
		out = append(out, msg)
	}
	return out
}

// ToTools 转换工具声明。
func ToTools(decls []tool.Declaration) []goopenai.Tool {
	out := make([]goopenai.Tool, 0, len(decls))
	for _, d := range decls {
		params := d.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
