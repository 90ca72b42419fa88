// Package swap executes token swaps through a Uniswap V2 style router using
// the connected wallet.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/web3"
	"ChainChat/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const routerABIJSON = `[
 {"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// RouterABI is the subset of the router interface used for quoting and swapping.
var RouterABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

const (
	// DefaultSlippageBps 为 2% 的滑点容忍度。
	DefaultSlippageBps = 200
	// DefaultDeadline 是交易在链上的有效期。
	DefaultDeadline = time.Hour
)

// ErrNoRoute is returned when no candidate path yields a quote.
var ErrNoRoute = xerrors.New(xerrors.CodeExecutionFailure, "no swap route available")

// Quote is the expected output of one candidate path.
type Quote struct {
	Path      []web3.Token
	AmountIn  *big.Int
	AmountOut *big.Int
}

// Symbols renders the path as token symbols.
func (q Quote) Symbols() []string {
	out := make([]string, len(q.Path))
	for i, t := range q.Path {
		out[i] = t.Symbol
	}
	return out
}

func (q Quote) addresses() []common.Address {
	out := make([]common.Address, len(q.Path))
	for i, t := range q.Path {
		out[i] = t.Address
	}
	return out
}

// Result describes a completed swap.
type Result struct {
	Quote        Quote
	MinAmountOut *big.Int
	ApproveHash  common.Hash
	SwapHash     common.Hash
}

// Option customises a Router.
type Option func(*Router)

// WithSlippage sets the tolerance in basis points.
func WithSlippage(bps int64) Option {
	return func(r *Router) {
		if bps >= 0 && bps < 10_000 {
			r.slippageBps = bps
		}
	}
}

// WithDeadline sets how long the swap transaction stays valid.
func WithDeadline(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.deadline = d
		}
	}
}

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router quotes and executes swaps for a single wallet.
type Router struct {
	wallet      web3.Wallet
	address     common.Address
	bases       []web3.Token
	slippageBps int64
	deadline    time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewRouter binds the router contract at address to wallet. bases are the
// intermediate tokens tried for two-hop routes.
func NewRouter(wallet web3.Wallet, address common.Address, bases []web3.Token, opts ...Option) (*Router, error) {
	if wallet == nil {
		return nil, errors.New("swap router requires a wallet")
	}
	if address == (common.Address{}) {
		return nil, errors.New("swap router address is empty")
	}
	r := &Router{
		wallet:      wallet,
		address:     address,
		bases:       append([]web3.Token(nil), bases...),
		slippageBps: DefaultSlippageBps,
		deadline:    DefaultDeadline,
		now:         time.Now,
		log:         logger.Named("swap"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Routes enumerates the direct path and every single-hop path through a base
// token distinct from both ends.
func (r *Router) Routes(in, out web3.Token) [][]web3.Token {
	routes := [][]web3.Token{{in, out}}
	for _, base := range r.bases {
		if base.Address == in.Address || base.Address == out.Address {
			continue
		}
		routes = append(routes, []web3.Token{in, base, out})
	}
	return routes
}

// BestQuote asks the router for every candidate path and keeps the one with the
// largest output. Paths without liquidity are skipped.
func (r *Router) BestQuote(ctx context.Context, in, out web3.Token, amountIn *big.Int) (Quote, error) {
	var best Quote
	for _, path := range r.Routes(in, out) {
		q := Quote{Path: path, AmountIn: amountIn}
		amountOut, err := r.quote(ctx, q.addresses(), amountIn)
		if err != nil {
			r.log.Debug("跳过不可用的兑换路径", slog.Any("path", q.Symbols()), slog.String("error", err.Error()))
			continue
		}
		if amountOut.Sign() <= 0 {
			continue
		}
		q.AmountOut = amountOut
		if best.AmountOut == nil || q.AmountOut.Cmp(best.AmountOut) > 0 {
			best = q
		}
	}
	if best.AmountOut == nil {
		return Quote{}, ErrNoRoute.WithCause(fmt.Errorf("%s -> %s", in.Symbol, out.Symbol))
	}
	return best, nil
}

func (r *Router) quote(ctx context.Context, path []common.Address, amountIn *big.Int) (*big.Int, error) {
	data, err := RouterABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	raw, err := r.wallet.Call(ctx, r.address, data)
	if err != nil {
		return nil, err
	}
	values, err := RouterABI.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected getAmountsOut output length %d", len(values))
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, errors.New("malformed getAmountsOut output")
	}
	return amounts[len(amounts)-1], nil
}

// MinAmountOut applies the slippage tolerance to an expected output.
func (r *Router) MinAmountOut(expected *big.Int) *big.Int {
	out := new(big.Int).Mul(expected, big.NewInt(10_000-r.slippageBps))
	return out.Quo(out, big.NewInt(10_000))
}

// Swap approves the router to spend amountIn of in, waits for the approval,
// picks the best route and executes it. Each transaction goes through the
// wallet's own approval step.
func (r *Router) Swap(ctx context.Context, in, out web3.Token, amountIn *big.Int) (Result, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "swap amount must be positive")
	}
	if in.Address == out.Address {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "cannot swap a token for itself")
	}

	approveData, err := web3.PackApprove(r.address, amountIn)
	if err != nil {
		return Result{}, err
	}
	approveHash, err := r.wallet.ContractCall(ctx, in.Address, approveData, nil,
		fmt.Sprintf("approve %s %s to router %s", web3.FormatUnits(amountIn, in.Decimals), in.Symbol, r.address.Hex()))
	if err != nil {
		return Result{}, err
	}
	if _, err := r.wallet.WaitForReceipt(ctx, approveHash); err != nil {
		return Result{}, fmt.Errorf("approval %s: %w", approveHash.Hex(), err)
	}

	quote, err := r.BestQuote(ctx, in, out, amountIn)
	if err != nil {
		return Result{}, err
	}
	minOut := r.MinAmountOut(quote.AmountOut)
	deadline := big.NewInt(r.now().Add(r.deadline).Unix())

	swapData, err := RouterABI.Pack("swapExactTokensForTokens", amountIn, minOut, quote.addresses(), r.wallet.Address(), deadline)
	if err != nil {
		return Result{}, err
	}
	swapHash, err := r.wallet.ContractCall(ctx, r.address, swapData, nil,
		fmt.Sprintf("swap %s %s for at least %s %s", web3.FormatUnits(amountIn, in.Decimals), in.Symbol, web3.FormatUnits(minOut, out.Decimals), out.Symbol))
	if err != nil {
		return Result{}, err
	}
	if _, err := r.wallet.WaitForReceipt(ctx, swapHash); err != nil {
		return Result{}, fmt.Errorf("swap %s: %w", swapHash.Hex(), err)
	}

	r.log.Info("兑换完成",
		slog.String("tx", swapHash.Hex()),
		slog.Any("path", quote.Symbols()),
		slog.String("amount_in", amountIn.String()),
		slog.String("expected_out", quote.AmountOut.String()))

	return Result{Quote: quote, MinAmountOut: minOut, ApproveHash: approveHash, SwapHash: swapHash}, nil
}
