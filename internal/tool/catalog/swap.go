package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/swap"
	"ChainChat/internal/tool"
	"ChainChat/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

const swapSchema = `{
  "type": "object",
  "properties": {
    "amount": {"type": "number", "exclusiveMinimum": 0, "description": "Amount of the input token to swap."},
    "fromToken": {"type": "string", "default": "USDC", "description": "Symbol of the token to sell."},
    "toToken": {"type": "string", "default": "WAVAX", "description": "Symbol of the token to buy."},
    "chain": {"type": "string", "description": "Optional chain name. Omit for the default chain."}
  },
  "required": ["amount"],
  "additionalProperties": false
}`

const (
	defaultFromToken = "USDC"
	defaultToToken   = "WAVAX"
)

type swapArgs struct {
	Amount    float64 `json:"amount"`
	FromToken string  `json:"fromToken"`
	ToToken   string  `json:"toToken"`
	Chain     string  `json:"chain"`
}

func (a *swapArgs) applyDefaults() {
	if a.FromToken == "" {
		a.FromToken = defaultFromToken
	}
	if a.ToToken == "" {
		a.ToToken = defaultToToken
	}
}

// SwapResult 是 swap 的结果载荷。
type SwapResult struct {
	Message      string   `json:"message"`
	AmountIn     string   `json:"amountIn"`
	ExpectedOut  string   `json:"expectedOut"`
	MinimumOut   string   `json:"minimumOut"`
	Route        []string `json:"route"`
	ApproveHash  string   `json:"approveHash"`
	Hash         string   `json:"hash"`
	ExplorerLink string   `json:"explorerLink,omitempty"`
}

func swapTool(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        Swap,
		Description: "Swap one token for another from the connected wallet through the configured router. Ask for confirmation before using this tool.",
		Schema:      json.RawMessage(swapSchema),
		Risk:        tool.RiskConfirm,
		Presenter: func(args map[string]any) tool.Presentation {
			var a swapArgs
			_ = tool.Decode(args, &a)
			a.applyDefaults()
			params := make(map[string]any, len(args)+2)
			for k, v := range args {
				params[k] = v
			}
			params["fromToken"], params["toToken"] = a.FromToken, a.ToToken
			return tool.Presentation{
				ActionType: "swap",
				Message:    fmt.Sprintf("Swap %s %s for %s?", formatFloat(a.Amount), a.FromToken, a.ToToken),
				Parameters: params,
			}
		},
		Handler: func(ctx context.Context, call tool.Call) (any, error) {
			var args swapArgs
			if err := tool.Decode(call.Arguments, &args); err != nil {
				return nil, err
			}
			args.applyDefaults()

			network, err := deps.network(args.Chain)
			if err != nil {
				return nil, err
			}
			def := network.Definition
			in, ok := def.Token(args.FromToken)
			if !ok {
				return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unknown token %s on %s", args.FromToken, network.Name))
			}
			out, ok := def.Token(args.ToToken)
			if !ok {
				return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unknown token %s on %s", args.ToToken, network.Name))
			}
			if !common.IsHexAddress(def.Router) {
				return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("no swap router configured on %s", network.Name))
			}
			bases := make([]web3.Token, 0, len(def.BaseTokens))
			for _, symbol := range def.BaseTokens {
				if t, ok := def.Token(symbol); ok {
					bases = append(bases, t)
				}
			}

			router, err := swap.NewRouter(network.Wallet, common.HexToAddress(def.Router), bases, deps.SwapOptions...)
			if err != nil {
				return nil, err
			}
			amountIn, err := web3.ParseFloatUnits(args.Amount, in.Decimals)
			if err != nil || amountIn.Sign() == 0 {
				return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("amount %s is below the precision of %s", formatFloat(args.Amount), in.Symbol))
			}

			waitCtx, cancel := deps.receiptContext(ctx)
			defer cancel()
			res, err := router.Swap(waitCtx, in, out, amountIn)
			if err != nil {
				return nil, err
			}

			return SwapResult{
				Message:      "Swap executed successfully!",
				AmountIn:     web3.FormatUnits(amountIn, in.Decimals) + " " + in.Symbol,
				ExpectedOut:  web3.FormatUnits(res.Quote.AmountOut, out.Decimals) + " " + out.Symbol,
				MinimumOut:   web3.FormatUnits(res.MinAmountOut, out.Decimals) + " " + out.Symbol,
				Route:        res.Quote.Symbols(),
				ApproveHash:  res.ApproveHash.Hex(),
				Hash:         res.SwapHash.Hex(),
				ExplorerLink: def.TxLink(res.SwapHash),
			}, nil
		},
	}
}
