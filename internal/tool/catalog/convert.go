package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ChainChat/internal/tool"
)

const convertSchema = `{
  "type": "object",
  "properties": {
    "amount": {"type": "number", "exclusiveMinimum": 0, "description": "Amount of money to convert."},
    "fromCurrency": {"type": "string", "minLength": 1, "description": "Currency code to convert from."},
    "toCurrency": {"type": "string", "minLength": 1, "description": "Currency code to convert to."}
  },
  "required": ["amount", "fromCurrency", "toCurrency"],
  "additionalProperties": false
}`

type convertArgs struct {
	Amount       float64 `json:"amount"`
	FromCurrency string  `json:"fromCurrency"`
	ToCurrency   string  `json:"toCurrency"`
}

// ConvertResult 是 convert 的结果载荷。
type ConvertResult struct {
	Amount       float64 `json:"amount"`
	FromCurrency string  `json:"fromCurrency"`
	ToCurrency   string  `json:"toCurrency"`
	Rate         float64 `json:"rate"`
	Converted    float64 `json:"converted"`
	Message      string  `json:"message"`
}

func convertTool(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        Convert,
		Description: "Convert an amount of money from one currency to another.",
		Schema:      json.RawMessage(convertSchema),
		Risk:        tool.RiskAuto,
		Handler: func(ctx context.Context, call tool.Call) (any, error) {
			var args convertArgs
			if err := tool.Decode(call.Arguments, &args); err != nil {
				return nil, err
			}
			from := strings.ToUpper(strings.TrimSpace(args.FromCurrency))
			to := strings.ToUpper(strings.TrimSpace(args.ToCurrency))

			rate, err := deps.Rates.Rate(ctx, from, to)
			if err != nil {
				return nil, err
			}
			converted := args.Amount * rate
			return ConvertResult{
				Amount:       args.Amount,
				FromCurrency: from,
				ToCurrency:   to,
				Rate:         rate,
				Converted:    converted,
				Message:      fmt.Sprintf("%s %s is equal to %s %s.", formatFloat(args.Amount), from, formatFloat(converted), to),
			}, nil
		},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
