// Package chainchat is a typed HTTP client for the ChainChat conversation API.
package chainchat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Event streams ignore it.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainChat REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	streamHTTP *http.Client
}

// ToolCall is a tool request emitted by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of a conversation transcript.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Result is the payload an invocation finished with.
type Result struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Invocation mirrors the server-side lifecycle record of a tool call.
type Invocation struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	State     string         `json:"state"`
	Reason    string         `json:"reason,omitempty"`
	Result    *Result        `json:"result,omitempty"`
	History   []string       `json:"history"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Terminal reports whether the invocation reached completed or cancelled.
func (i Invocation) Terminal() bool {
	return i.State == "completed" || i.State == "cancelled"
}

// Field is one displayed parameter of a confirmation prompt.
type Field struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Display  string `json:"display"`
	Copyable bool   `json:"copyable"`
}

// Prompt is a confirmation request waiting for a user decision.
type Prompt struct {
	ConversationID string         `json:"conversation_id"`
	InvocationID   string         `json:"invocation_id"`
	ToolName       string         `json:"tool_name"`
	ActionType     string         `json:"action_type"`
	Message        string         `json:"message"`
	Parameters     map[string]any `json:"parameters"`
	Fields         []Field        `json:"fields"`
}

// Conversation is the full view of one conversation.
type Conversation struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Messages       []Message    `json:"messages"`
	Invocations    []Invocation `json:"invocations"`
	ToolInProgress bool         `json:"tool_in_progress"`
	Pending        []Prompt     `json:"pending_confirmations"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Summary is a row of the conversation list.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tool describes a tool the model can call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Risk        string          `json:"risk"`
}

// Decision is the outcome of a confirmation request.
type Decision struct {
	InvocationID string `json:"invocation_id"`
	Applied      bool   `json:"applied"`
}

// Event is one Server-Sent Event of a conversation stream. Data holds the raw
// JSON payload; Invocation and Prompt are decoded when present.
type Event struct {
	Name       string          `json:"-"`
	Data       json.RawMessage `json:"-"`
	Delta      string          `json:"delta,omitempty"`
	Invocation *Invocation     `json:"invocation,omitempty"`
	Prompt     *Prompt         `json:"prompt,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainchat api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainchat api error (%d): %s", e.StatusCode, e.Message)
}

// IsToolInProgress reports whether err means the conversation is still busy.
func IsToolInProgress(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "TOOL_IN_PROGRESS"
}

// NewClient instantiates a client for the ChainChat API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	stream := *httpClient
	stream.Timeout = 0
	return &Client{baseURL: parsed, httpClient: httpClient, streamHTTP: &stream}, nil
}

// CreateConversation starts a new conversation.
func (c *Client) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	var conv Conversation
	err := c.post(ctx, "/api/v1/conversations", map[string]string{"title": title}, &conv)
	return conv, err
}

// ListConversations returns the most recently updated conversations.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]Summary, error) {
	endpoint := "/api/v1/conversations"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out []Summary
	err := c.get(ctx, endpoint, &out)
	return out, err
}

// GetConversation fetches the transcript, invocations and pending prompts.
func (c *Client) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var conv Conversation
	err := c.get(ctx, "/api/v1/conversations/"+url.PathEscape(id), &conv)
	return conv, err
}

// SendMessage submits a user message. The turn runs in the background; follow
// it through StreamEvents or GetConversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, local bool) error {
	payload := map[string]any{"content": content, "is_local": local}
	return c.post(ctx, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", payload, nil)
}

// Decide approves or denies a pending confirmation. Only the first decision
// per invocation is applied.
func (c *Client) Decide(ctx context.Context, conversationID, invocationID string, approve bool) (Decision, error) {
	var out Decision
	endpoint := "/api/v1/conversations/" + url.PathEscape(conversationID) +
		"/invocations/" + url.PathEscape(invocationID) + "/decision"
	err := c.post(ctx, endpoint, map[string]bool{"approve": approve}, &out)
	return out, err
}

// Tools lists the tool catalog.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	err := c.get(ctx, "/api/v1/tools", &out)
	return out, err
}

// StreamEvents follows the event stream of a conversation until ctx is done,
// the server closes the stream, or fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, conversationID string, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var (
		name string
		data bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name == "" && data.Len() == 0 {
				continue
			}
			evt := Event{Name: name, Data: append(json.RawMessage(nil), data.Bytes()...)}
			if len(evt.Data) > 0 {
				_ = json.Unmarshal(evt.Data, &evt)
			}
			if err := fn(evt); err != nil {
				return err
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	ref.Path = path.Join(c.baseURL.Path, ref.Path)
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr})
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
