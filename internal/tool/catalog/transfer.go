package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/tool"
	"ChainChat/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

const transferSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "string", "minLength": 42, "maxLength": 42, "pattern": "^0x[0-9a-fA-F]{40}$", "description": "Recipient address."},
    "amount": {"type": "number", "exclusiveMinimum": 0, "description": "Amount of the native coin to send."},
    "chain": {"type": "string", "description": "Optional chain name. Omit for the default chain."}
  },
  "required": ["to", "amount"],
  "additionalProperties": false
}`

type transferArgs struct {
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
	Chain  string  `json:"chain"`
}

// TransferResult 是 transfer 的结果载荷。
type TransferResult struct {
	Message      string `json:"message"`
	Amount       string `json:"amount"`
	From         string `json:"from"`
	To           string `json:"to"`
	Hash         string `json:"hash"`
	ExplorerLink string `json:"explorerLink,omitempty"`
	BlockNumber  uint64 `json:"blockNumber"`
}

func transferTool(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        Transfer,
		Description: "Send the native coin from the connected wallet to another address. Ask for confirmation before using this tool.",
		Schema:      json.RawMessage(transferSchema),
		Risk:        tool.RiskConfirm,
		Presenter: func(args map[string]any) tool.Presentation {
			var a transferArgs
			_ = tool.Decode(args, &a)
			symbol := "native coin"
			if n, err := deps.network(a.Chain); err == nil {
				symbol = n.Definition.NativeSymbol
			}
			return tool.Presentation{
				ActionType: "transfer",
				Message:    fmt.Sprintf("Send %s %s to %s?", formatFloat(a.Amount), symbol, a.To),
				Parameters: args,
			}
		},
		Handler: func(ctx context.Context, call tool.Call) (any, error) {
			var args transferArgs
			if err := tool.Decode(call.Arguments, &args); err != nil {
				return nil, err
			}
			if !common.IsHexAddress(args.To) {
				return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("invalid recipient %q", args.To))
			}
			network, err := deps.network(args.Chain)
			if err != nil {
				return nil, err
			}
			def := network.Definition
			value, err := web3.ParseFloatUnits(args.Amount, def.NativeDecimals)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeValidation, err, "invalid amount")
			}

			wallet := network.Wallet
			to := common.HexToAddress(args.To)
			hash, err := wallet.Transfer(ctx, to, value)
			if err != nil {
				return nil, err
			}

			waitCtx, cancel := deps.receiptContext(ctx)
			defer cancel()
			receipt, err := wallet.WaitForReceipt(waitCtx, hash)
			if err != nil {
				return nil, err
			}

			result := TransferResult{
				Message:      "Transaction sent!",
				Amount:       strings.TrimSpace(web3.FormatUnits(value, def.NativeDecimals) + " " + def.NativeSymbol),
				From:         wallet.Address().Hex(),
				To:           to.Hex(),
				Hash:         hash.Hex(),
				ExplorerLink: def.TxLink(hash),
			}
			if receipt != nil && receipt.BlockNumber != nil {
				result.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return result, nil
		},
	}
}
