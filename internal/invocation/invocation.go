// Package invocation 维护工具调用的生命周期状态机。
//
// 一次调用从 pending 出发，自动执行的工具直接进入 executing，需要确认的工具先进入
// awaiting_confirmation；最终停在 completed 或 cancelled 之一，终态不可再变。
package invocation

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/tool"
)

// State 表示调用所处的阶段。
type State string

const (
	StatePending              State = "pending"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateCompleted            State = "completed"
	StateCancelled            State = "cancelled"
)

// Terminal 判断是否为终态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Reason 记录调用被取消的原因。
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonValidation     Reason = "validation_error"
	ReasonUserDenied     Reason = "user_denied"
	ReasonWalletRejected Reason = "wallet_rejected"
	// ReasonUnavailable 表示确认请求无法展示或工具已不可用，用户没有做出决定。
	ReasonUnavailable Reason = "confirmation_unavailable"
)

// Code 返回取消原因对应的错误码。
func (r Reason) Code() xerrors.Code {
	switch r {
	case ReasonValidation:
		return xerrors.CodeValidation
	case ReasonUserDenied:
		return xerrors.CodeUserDenied
	case ReasonWalletRejected:
		return xerrors.CodeWalletRejected
	case ReasonUnavailable:
		return xerrors.CodeConfirmationUnavailable
	default:
		return xerrors.CodeUnknown
	}
}

// Status 描述结果载荷的类型。
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Result 是写回对话记录、并随下一次模型请求发送的结果载荷。
type Result struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Reason Reason          `json:"reason,omitempty"`
}

// Success 构造成功结果，data 会被序列化为 JSON。
func Success(data any) Result {
	if data == nil {
		return Result{Status: StatusSuccess}
	}
	if raw, ok := data.(json.RawMessage); ok {
		return Result{Status: StatusSuccess, Data: raw}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Failure(fmt.Errorf("encode tool result: %w", err))
	}
	return Result{Status: StatusSuccess, Data: encoded}
}

// Failure 构造执行失败的结果。
func Failure(err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
		if coded, ok := xerrors.From(err); ok {
			msg = coded.Message()
			if cause := coded.Unwrap(); cause != nil {
				msg += ": " + cause.Error()
			}
		}
	}
	return Result{Status: StatusFailure, Error: msg}
}

// Cancelled 构造取消结果。
func Cancelled(reason Reason, message string) Result {
	if message == "" {
		message = xerrors.AttributesOf(reason.Code()).Message
	}
	return Result{Status: StatusCancelled, Error: message, Reason: reason}
}

// Content 返回交给模型的工具输出文本。
func (r Result) Content() string {
	switch r.Status {
	case StatusSuccess:
		if len(r.Data) == 0 {
			return `{"status":"success"}`
		}
		return string(r.Data)
	default:
		encoded, _ := json.Marshal(r)
		return string(encoded)
	}
}

// Call 是模型在一个步骤中发出的工具调用请求。
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Invocation 是一次工具调用的完整记录。
type Invocation struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	ToolName       string         `json:"tool_name"`
	RawArguments   string         `json:"raw_arguments,omitempty"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	Risk           tool.Risk      `json:"risk,omitempty"`
	State          State          `json:"state"`
	Reason         Reason         `json:"reason,omitempty"`
	Result         *Result        `json:"result,omitempty"`
	History        []State        `json:"history"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone 返回深拷贝，调用方可以安全持有。
func (i Invocation) Clone() Invocation {
	out := i
	if i.Arguments != nil {
		out.Arguments = cloneArgs(i.Arguments)
	}
	if i.Result != nil {
		res := *i.Result
		res.Data = append(json.RawMessage(nil), i.Result.Data...)
		out.Result = &res
	}
	out.History = append([]State(nil), i.History...)
	return out
}

func cloneArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneArgs(nested)
			continue
		}
		out[k] = v
	}
	return out
}

var transitions = map[State][]State{
	StatePending:              {StateAwaitingConfirmation, StateExecuting, StateCancelled},
	StateAwaitingConfirmation: {StateExecuting, StateCancelled},
	StateExecuting:            {StateCompleted, StateCancelled},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
