package catalog

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"ChainChat/internal/rates"
	"ChainChat/internal/swap"
	"ChainChat/internal/tool"
	"ChainChat/internal/web3"
	"ChainChat/internal/web3/provider"
	"ChainChat/internal/web3/web3test"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdcAddr   = "0xB6076C93701D6a07266c31066B298AeC6dd65c2d"
	wavaxAddr  = "0xd00ae08403B9bbb9124bB305C09058E32C39A48c"
	routerAddr = "0x18556DA13313f3532c54711497A8FedAC273220E"
	recipient  = "0xCeeabCa9721b0D5D7b5bDcB08a916c76AdC56AF5"
)

func fuji() web3.ChainDefinition {
	return web3.ChainDefinition{
		Type:           "evm",
		ChainID:        43113,
		NativeSymbol:   "AVAX",
		NativeDecimals: 18,
		ExplorerURL:    "https://testnet.snowtrace.io/",
		Router:         routerAddr,
		BaseTokens:     []string{"WAVAX", "USDC"},
		Tokens: map[string]web3.TokenDefinition{
			"USDC":  {Address: usdcAddr, Decimals: 6},
			"WAVAX": {Address: wavaxAddr, Decimals: 18},
		},
	}
}

func newRegistry(t *testing.T, wallet *web3test.Wallet) *tool.Registry {
	t.Helper()
	networks, err := provider.NewStaticRegistry("fuji", provider.Network{Name: "fuji", Definition: fuji(), Wallet: wallet})
	require.NoError(t, err)
	reg, err := NewRegistry(Deps{Networks: networks, Rates: rates.NewStatic(nil, 0)})
	require.NoError(t, err)
	return reg
}

func run(t *testing.T, reg *tool.Registry, name string, args map[string]any) (any, error) {
	t.Helper()
	def, err := reg.Resolve(name)
	require.NoError(t, err)
	require.NoError(t, def.Validate(args))
	return def.Handler(context.Background(), tool.Call{ConversationID: "c1", InvocationID: "i1", Arguments: args})
}

func TestCatalogRegistersAllTools(t *testing.T) {
	reg := newRegistry(t, web3test.NewWallet())
	assert.Equal(t, []string{AskForConfirmation, Convert, GetBalance, Swap, Transfer}, reg.Names())

	for _, name := range []string{Transfer, Swap, AskForConfirmation} {
		def, err := reg.Resolve(name)
		require.NoError(t, err)
		assert.True(t, def.RequiresConfirmation(), name)
	}
	for _, name := range []string{GetBalance, Convert} {
		def, err := reg.Resolve(name)
		require.NoError(t, err)
		assert.False(t, def.RequiresConfirmation(), name)
	}

	err := reg.Register(tool.Definition{Name: "late", Risk: tool.RiskAuto, Handler: func(context.Context, tool.Call) (any, error) { return nil, nil }})
	assert.Error(t, err)
}

func TestGetBalance(t *testing.T) {
	wallet := web3test.NewWallet()
	wallet.SetTokenBalance(common.HexToAddress(usdcAddr), big.NewInt(12_500_000))
	reg := newRegistry(t, wallet)

	out, err := run(t, reg, GetBalance, map[string]any{})
	require.NoError(t, err)
	res := out.(BalanceResult)
	assert.Equal(t, "10", res.Balance)
	assert.Equal(t, "AVAX", res.Symbol)
	assert.Equal(t, "43113", res.ChainID)
	assert.Equal(t, wallet.Address().Hex(), res.Address)

	out, err = run(t, reg, GetBalance, map[string]any{"token": "usdc"})
	require.NoError(t, err)
	res = out.(BalanceResult)
	assert.Equal(t, "12.5", res.Balance)
	assert.Equal(t, "USDC", res.Symbol)

	_, err = run(t, reg, GetBalance, map[string]any{"token": "DOGE"})
	assert.Error(t, err)
}

func TestConvertUsesFallbackRate(t *testing.T) {
	reg := newRegistry(t, web3test.NewWallet())

	out, err := run(t, reg, Convert, map[string]any{"amount": 100, "fromCurrency": "eur", "toCurrency": "usd"})
	require.NoError(t, err)
	res := out.(ConvertResult)
	assert.Equal(t, 0.85, res.Rate)
	assert.Equal(t, "100 EUR is equal to 85 USD.", res.Message)

	def, err := reg.Resolve(Convert)
	require.NoError(t, err)
	assert.Error(t, def.Validate(map[string]any{"amount": -1, "fromCurrency": "EUR", "toCurrency": "USD"}))
}

func TestTransferSendsAndReports(t *testing.T) {
	wallet := web3test.NewWallet()
	reg := newRegistry(t, wallet)

	out, err := run(t, reg, Transfer, map[string]any{"to": recipient, "amount": 0.1})
	require.NoError(t, err)
	res := out.(TransferResult)
	assert.Equal(t, "Transaction sent!", res.Message)
	assert.Equal(t, "0.1 AVAX", res.Amount)
	assert.Equal(t, common.HexToAddress(recipient).Hex(), res.To)
	assert.Equal(t, "https://testnet.snowtrace.io/tx/"+res.Hash, res.ExplorerLink)

	sent := wallet.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "100000000000000000", sent[0].Req.Value.String())
}

func TestTransferValidationAndRejection(t *testing.T) {
	wallet := web3test.NewWallet()
	reg := newRegistry(t, wallet)
	def, err := reg.Resolve(Transfer)
	require.NoError(t, err)

	assert.Error(t, def.Validate(map[string]any{"to": "0x123", "amount": 1}))
	assert.Error(t, def.Validate(map[string]any{"to": recipient, "amount": 0}))

	wallet.Approver = web3.ApproverFunc(func(context.Context, web3.TxRequest) error { return web3.ErrWalletRejected })
	_, err = run(t, reg, Transfer, map[string]any{"to": recipient, "amount": 1})
	assert.True(t, errors.Is(err, web3.ErrWalletRejected))
	assert.Empty(t, wallet.Sent())
}

func TestSwapUsesDefaultsAndRouter(t *testing.T) {
	wallet := web3test.NewWallet()
	wallet.HandleCall(swap.RouterABI, "getAmountsOut", func(m *abi.Method, args []any) ([]byte, error) {
		path := args[1].([]common.Address)
		amounts := make([]*big.Int, len(path))
		for i := range amounts {
			amounts[i] = new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))
		}
		return m.Outputs.Pack(amounts)
	})
	reg := newRegistry(t, wallet)

	out, err := run(t, reg, Swap, map[string]any{"amount": 5})
	require.NoError(t, err)
	res := out.(SwapResult)
	assert.Equal(t, "Swap executed successfully!", res.Message)
	assert.Equal(t, "5 USDC", res.AmountIn)
	assert.Equal(t, "2 WAVAX", res.ExpectedOut)
	assert.Equal(t, "1.96 WAVAX", res.MinimumOut)
	assert.Equal(t, []string{"USDC", "WAVAX"}, res.Route)
	assert.Len(t, wallet.Sent(), 2)
}

func TestPresenters(t *testing.T) {
	reg := newRegistry(t, web3test.NewWallet())

	def, err := reg.Resolve(Transfer)
	require.NoError(t, err)
	p := def.Present(map[string]any{"to": recipient, "amount": 0.5})
	assert.Equal(t, "transfer", p.ActionType)
	assert.Equal(t, "Send 0.5 AVAX to "+recipient+"?", p.Message)

	def, err = reg.Resolve(Swap)
	require.NoError(t, err)
	p = def.Present(map[string]any{"amount": 3})
	assert.Equal(t, "swap", p.ActionType)
	assert.Equal(t, "USDC", p.Parameters["fromToken"])
	assert.Equal(t, "WAVAX", p.Parameters["toToken"])

	def, err = reg.Resolve(AskForConfirmation)
	require.NoError(t, err)
	assert.Nil(t, def.Handler)
	p = def.Present(map[string]any{"actionType": "bridge", "message": "Bridge 1 AVAX?"})
	assert.Equal(t, "bridge", p.ActionType)
	assert.Equal(t, map[string]any{}, p.Parameters)
	assert.Error(t, def.Validate(map[string]any{"actionType": "stake", "message": "x"}))
}
