// Package tool 定义模型可调用的工具：名称、参数 schema、风险等级与执行函数。
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "ChainChat/internal/errors"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Risk 描述工具的风险等级。
type Risk string

const (
	// RiskAuto 表示无需确认即可执行的只读工具。
	RiskAuto Risk = "auto"
	// RiskConfirm 表示执行前必须经过用户确认的工具。
	RiskConfirm Risk = "confirm"
)

// Call 是交给 Handler 的一次调用上下文。
type Call struct {
	ConversationID string
	InvocationID   string
	Arguments      map[string]any
}

// Handler 执行工具逻辑，返回值会被序列化为结果载荷。
type Handler func(ctx context.Context, call Call) (any, error)

// Presentation 是确认框展示给用户的内容。
type Presentation struct {
	ActionType string
	Message    string
	Parameters map[string]any
}

// Presenter 根据参数生成确认展示内容，仅对 confirm 类工具有意义。
type Presenter func(args map[string]any) Presentation

// Definition 是注册后不可变的工具定义。
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Risk        Risk
	// Handler 为空时，confirm 类工具在批准后直接以 {"confirmed": true} 完成。
	Handler   Handler
	Presenter Presenter

	compiled *jsonschema.Schema
}

// Declaration 是发送给模型的工具声明。
type Declaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Risk        Risk            `json:"risk"`
}

// Declaration 返回工具对外的声明。
func (d *Definition) Declaration() Declaration {
	return Declaration{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  append(json.RawMessage(nil), d.Schema...),
		Risk:        d.Risk,
	}
}

// RequiresConfirmation 判断工具是否需要经过确认。
func (d *Definition) RequiresConfirmation() bool {
	return d.Risk == RiskConfirm
}

// Present 生成确认展示内容，未配置 Presenter 时回退到通用展示。
func (d *Definition) Present(args map[string]any) Presentation {
	if d.Presenter != nil {
		return d.Presenter(args)
	}
	return Presentation{
		ActionType: d.Name,
		Message:    fmt.Sprintf("Run %s?", d.Name),
		Parameters: args,
	}
}

// Validate 按 schema 校验参数，失败返回 VALIDATION_ERROR。
func (d *Definition) Validate(args map[string]any) error {
	if d.compiled == nil {
		return nil
	}
	normalized, err := normalize(args)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("%s 参数无法解析", d.Name))
	}
	if err := d.compiled.Validate(normalized); err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("%s 参数未通过校验", d.Name))
	}
	return nil
}

func compile(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(strings.TrimSpace(string(schema))) == 0 {
		return nil, nil
	}
	return jsonschema.CompileString(name+".schema.json", string(schema))
}

// normalize 通过一次 JSON 往返把 Go 原生类型统一成 schema 校验器认识的形式。
func normalize(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// ParseArguments 解析模型给出的 JSON 参数串。空串视为空对象。
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "工具参数不是合法的 JSON 对象")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Decode 将已校验的参数解码到具体的参数结构体中，字段使用 json 标签。
func Decode(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(args); err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "工具参数解码失败")
	}
	return nil
}
