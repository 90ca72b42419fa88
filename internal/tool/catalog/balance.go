package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/tool"
	"ChainChat/internal/web3"
)

const balanceSchema = `{
  "type": "object",
  "properties": {
    "token": {"type": "string", "description": "Optional ERC-20 token symbol. Omit for the native coin."},
    "chain": {"type": "string", "description": "Optional chain name. Omit for the default chain."}
  },
  "additionalProperties": false
}`

type balanceArgs struct {
	Token string `json:"token"`
	Chain string `json:"chain"`
}

// BalanceResult 是 getBalance 的结果载荷。
type BalanceResult struct {
	Address     string `json:"address"`
	Chain       string `json:"chain"`
	ChainID     string `json:"chainId"`
	Symbol      string `json:"symbol"`
	Balance     string `json:"balance"`
	Raw         string `json:"raw"`
	BlockNumber uint64 `json:"blockNumber"`
}

func balanceTool(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        GetBalance,
		Description: "Get the balance of the connected wallet. You don't need any confirmation to execute this tool.",
		Schema:      json.RawMessage(balanceSchema),
		Risk:        tool.RiskAuto,
		Handler: func(ctx context.Context, call tool.Call) (any, error) {
			var args balanceArgs
			if err := tool.Decode(call.Arguments, &args); err != nil {
				return nil, err
			}
			network, err := deps.network(args.Chain)
			if err != nil {
				return nil, err
			}
			wallet := network.Wallet

			snapshot, err := wallet.Snapshot(ctx)
			if err != nil {
				return nil, err
			}

			var (
				raw      *big.Int
				symbol   = network.Definition.NativeSymbol
				decimals = network.Definition.NativeDecimals
			)
			if args.Token == "" || web3.SameSymbol(args.Token, symbol) {
				raw, err = wallet.NativeBalance(ctx)
			} else {
				token, ok := network.Definition.Token(args.Token)
				if !ok {
					return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown token %s on %s", args.Token, network.Name))
				}
				symbol, decimals = token.Symbol, token.Decimals
				raw, err = wallet.TokenBalance(ctx, token.Address)
			}
			if err != nil {
				return nil, err
			}

			return BalanceResult{
				Address:     wallet.Address().Hex(),
				Chain:       network.Name,
				ChainID:     snapshot.ChainID.String(),
				Symbol:      symbol,
				Balance:     web3.FormatUnits(raw, decimals),
				Raw:         raw.String(),
				BlockNumber: snapshot.BlockNumber,
			}, nil
		},
	}
}
