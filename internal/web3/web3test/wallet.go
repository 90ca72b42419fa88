// Package web3test provides an in-memory web3.Wallet for tests.
package web3test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"ChainChat/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Sent records a state-changing request accepted by the wallet.
type Sent struct {
	Hash common.Hash
	Req  web3.TxRequest
}

// Wallet is a scripted web3.Wallet. Contract reads are answered by handlers
// registered with HandleCall; writes are recorded and acknowledged.
type Wallet struct {
	Addr     common.Address
	ID       *big.Int
	Block    uint64
	Native   *big.Int
	Approver web3.Approver

	mu       sync.Mutex
	tokens   map[common.Address]*big.Int
	handlers map[string]func(method *abi.Method, args []any) ([]byte, error)
	contract map[string]abi.ABI
	sent     []Sent
	failing  map[common.Hash]bool
	failNext error
}

// NewWallet returns a wallet on chain 43113 holding 10 native units.
func NewWallet() *Wallet {
	return &Wallet{
		Addr:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ID:       big.NewInt(43113),
		Block:    1,
		Native:   new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		Approver: web3.AutoApprove,
		tokens:   map[common.Address]*big.Int{},
		handlers: map[string]func(*abi.Method, []any) ([]byte, error){},
		contract: map[string]abi.ABI{},
		failing:  map[common.Hash]bool{},
	}
}

// SetTokenBalance scripts the balanceOf answer for token.
func (w *Wallet) SetTokenBalance(token common.Address, amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokens[token] = amount
}

// HandleCall answers read calls of method on contracts encoded with parsed.
func (w *Wallet) HandleCall(parsed abi.ABI, method string, fn func(method *abi.Method, args []any) ([]byte, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := parsed.Methods[method]
	key := string(m.ID)
	w.handlers[key] = fn
	w.contract[key] = parsed
}

// FailNextSend makes the next Transfer or ContractCall return err.
func (w *Wallet) FailNextSend(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failNext = err
}

// RevertAll makes every later receipt report a reverted transaction.
func (w *Wallet) RevertAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing[common.Hash{}] = true
}

// Sent returns the accepted transactions in order.
func (w *Wallet) Sent() []Sent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Sent(nil), w.sent...)
}

func (w *Wallet) Address() common.Address { return w.Addr }

func (w *Wallet) ChainID(context.Context) (*big.Int, error) { return new(big.Int).Set(w.ID), nil }

func (w *Wallet) Snapshot(context.Context) (web3.Snapshot, error) {
	return web3.Snapshot{ChainID: new(big.Int).Set(w.ID), BlockNumber: w.Block}, nil
}

func (w *Wallet) NativeBalance(context.Context) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).Set(w.Native), nil
}

func (w *Wallet) TokenBalance(_ context.Context, token common.Address) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v, ok := w.tokens[token]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (w *Wallet) Call(_ context.Context, contract common.Address, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("calldata too short")
	}
	w.mu.Lock()
	fn, ok := w.handlers[string(data[:4])]
	parsed := w.contract[string(data[:4])]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution reverted: no handler on %s", contract.Hex())
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	return fn(method, args)
}

func (w *Wallet) Transfer(ctx context.Context, to common.Address, value *big.Int) (common.Hash, error) {
	return w.send(ctx, web3.TxRequest{Kind: web3.TxTransfer, From: w.Addr, To: to, Value: value})
}

func (w *Wallet) ContractCall(ctx context.Context, contract common.Address, data []byte, value *big.Int, summary string) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}
	return w.send(ctx, web3.TxRequest{Kind: web3.TxContractCall, From: w.Addr, To: contract, Value: value, Data: data, Summary: summary})
}

func (w *Wallet) send(ctx context.Context, req web3.TxRequest) (common.Hash, error) {
	if err := w.Approver.Approve(ctx, req); err != nil {
		return common.Hash{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failNext; err != nil {
		w.failNext = nil
		return common.Hash{}, err
	}
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%d", strings.ToLower(req.To.Hex()), len(w.sent))))
	w.sent = append(w.sent, Sent{Hash: hash, Req: req})
	if req.Kind == web3.TxTransfer && req.Value != nil {
		w.Native = new(big.Int).Sub(w.Native, req.Value)
	}
	w.Block++
	return hash, nil
}

func (w *Wallet) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	status := types.ReceiptStatusSuccessful
	if w.failing[common.Hash{}] || w.failing[hash] {
		status = types.ReceiptStatusFailed
		return &types.Receipt{TxHash: hash, Status: status}, fmt.Errorf("transaction %s reverted", hash.Hex())
	}
	return &types.Receipt{TxHash: hash, Status: status, BlockNumber: new(big.Int).SetUint64(w.Block)}, nil
}

var _ web3.Wallet = (*Wallet)(nil)
