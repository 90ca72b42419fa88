package catalog

import (
	"encoding/json"

	"ChainChat/internal/tool"
)

const confirmationSchema = `{
  "type": "object",
  "properties": {
    "actionType": {"type": "string", "enum": ["swap", "bridge", "transfer"], "description": "Type of action being confirmed."},
    "message": {"type": "string", "description": "Detailed message explaining the action."},
    "parameters": {"type": "object", "default": {}, "description": "Additional parameters related to the action."}
  },
  "required": ["actionType", "message"]
}`

type confirmationArgs struct {
	ActionType string         `json:"actionType"`
	Message    string         `json:"message"`
	Parameters map[string]any `json:"parameters"`
}

// confirmationTool 没有执行函数，批准后直接以 {"confirmed": true} 完成。
func confirmationTool() tool.Definition {
	return tool.Definition{
		Name:        AskForConfirmation,
		Description: "Ask the user for confirmation before executing an action.",
		Schema:      json.RawMessage(confirmationSchema),
		Risk:        tool.RiskConfirm,
		Presenter: func(args map[string]any) tool.Presentation {
			var a confirmationArgs
			_ = tool.Decode(args, &a)
			if a.Parameters == nil {
				a.Parameters = map[string]any{}
			}
			return tool.Presentation{
				ActionType: a.ActionType,
				Message:    a.Message,
				Parameters: a.Parameters,
			}
		},
	}
}
