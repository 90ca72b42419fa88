package swap

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"ChainChat/internal/web3"
	"ChainChat/internal/web3/web3test"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	usdc  = web3.Token{Symbol: "USDC", Address: common.HexToAddress("0xB6076C93701D6a07266c31066B298AeC6dd65c2d"), Decimals: 6}
	usdt  = web3.Token{Symbol: "USDT", Address: common.HexToAddress("0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7"), Decimals: 6}
	wavax = web3.Token{Symbol: "WAVAX", Address: common.HexToAddress("0xd00ae08403B9bbb9124bB305C09058E32C39A48c"), Decimals: 18}

	routerAddr = common.HexToAddress("0x18556DA13313f3532c54711497A8FedAC273220E")
)

// quoteTable answers getAmountsOut by the final output of each path.
func quoteTable(t *testing.T, w *web3test.Wallet, outputs map[string]*big.Int) {
	t.Helper()
	w.HandleCall(RouterABI, "getAmountsOut", func(m *abi.Method, args []any) ([]byte, error) {
		amountIn := args[0].(*big.Int)
		path := args[1].([]common.Address)
		key := ""
		for _, a := range path {
			key += a.Hex()[:6]
		}
		out, ok := outputs[key]
		if !ok {
			return nil, errors.New("execution reverted: no liquidity")
		}
		amounts := make([]*big.Int, len(path))
		amounts[0] = amountIn
		for i := 1; i < len(path); i++ {
			amounts[i] = out
		}
		return m.Outputs.Pack(amounts)
	})
}

func pathKey(tokens ...web3.Token) string {
	key := ""
	for _, t := range tokens {
		key += t.Address.Hex()[:6]
	}
	return key
}

func TestRoutesSkipEndpointsAsBases(t *testing.T) {
	r, err := NewRouter(web3test.NewWallet(), routerAddr, []web3.Token{wavax, usdc, usdt})
	require.NoError(t, err)

	routes := r.Routes(usdc, wavax)
	require.Len(t, routes, 2)
	require.Equal(t, []web3.Token{usdc, wavax}, routes[0])
	require.Equal(t, []web3.Token{usdc, usdt, wavax}, routes[1])
}

func TestBestQuotePicksLargestOutput(t *testing.T) {
	w := web3test.NewWallet()
	quoteTable(t, w, map[string]*big.Int{
		pathKey(usdc, wavax):       big.NewInt(900),
		pathKey(usdc, usdt, wavax): big.NewInt(950),
	})
	r, err := NewRouter(w, routerAddr, []web3.Token{wavax, usdc, usdt})
	require.NoError(t, err)

	q, err := r.BestQuote(context.Background(), usdc, wavax, big.NewInt(1_000_000))
	require.NoError(t, err)
	require.Equal(t, []string{"USDC", "USDT", "WAVAX"}, q.Symbols())
	require.Equal(t, int64(950), q.AmountOut.Int64())
}

func TestBestQuoteWithoutLiquidity(t *testing.T) {
	w := web3test.NewWallet()
	quoteTable(t, w, map[string]*big.Int{})
	r, err := NewRouter(w, routerAddr, nil)
	require.NoError(t, err)

	_, err = r.BestQuote(context.Background(), usdc, wavax, big.NewInt(1))
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestSwapApprovesThenSwapsWithSlippage(t *testing.T) {
	w := web3test.NewWallet()
	quoteTable(t, w, map[string]*big.Int{pathKey(usdc, wavax): big.NewInt(10_000)})
	now := time.Unix(1_700_000_000, 0)
	r, err := NewRouter(w, routerAddr, nil, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := r.Swap(context.Background(), usdc, wavax, big.NewInt(5_000_000))
	require.NoError(t, err)
	require.Equal(t, int64(9_800), res.MinAmountOut.Int64())

	sent := w.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, usdc.Address, sent[0].Req.To)
	require.Equal(t, routerAddr, sent[1].Req.To)
	require.Equal(t, res.ApproveHash, sent[0].Hash)
	require.Equal(t, res.SwapHash, sent[1].Hash)

	method, err := RouterABI.MethodById(sent[1].Req.Data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(sent[1].Req.Data[4:])
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000), args[0].(*big.Int).Int64())
	require.Equal(t, int64(9_800), args[1].(*big.Int).Int64())
	require.Equal(t, w.Address(), args[3].(common.Address))
	require.Equal(t, now.Add(time.Hour).Unix(), args[4].(*big.Int).Int64())
}

func TestSwapStopsWhenApprovalRejected(t *testing.T) {
	w := web3test.NewWallet()
	w.Approver = web3.ApproverFunc(func(context.Context, web3.TxRequest) error {
		return web3.ErrWalletRejected
	})
	r, err := NewRouter(w, routerAddr, nil)
	require.NoError(t, err)

	_, err = r.Swap(context.Background(), usdc, wavax, big.NewInt(1))
	require.ErrorIs(t, err, web3.ErrWalletRejected)
	require.Empty(t, w.Sent())
}

func TestSwapRejectsBadInput(t *testing.T) {
	r, err := NewRouter(web3test.NewWallet(), routerAddr, nil)
	require.NoError(t, err)

	_, err = r.Swap(context.Background(), usdc, usdc, big.NewInt(1))
	require.Error(t, err)
	_, err = r.Swap(context.Background(), usdc, wavax, big.NewInt(0))
	require.Error(t, err)
}
