package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/web3"
	"ChainChat/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the go-ethereum client API the wallet needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	gethcore.ChainStateReader
	gethcore.ContractCaller
	gethcore.GasEstimator
	gethcore.GasPricer1559
	gethcore.PendingStateReader
	gethcore.TransactionReader
	gethcore.TransactionSender
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// Option customises a Wallet.
type Option func(*Wallet)

// WithApprover installs the wallet-native approval step.
func WithApprover(a web3.Approver) Option {
	return func(w *Wallet) {
		if a != nil {
			w.approver = a
		}
	}
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) Option {
	return func(w *Wallet) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithSendHook runs after every successfully broadcast transaction. Tests use
// it to mine blocks on a simulated chain.
func WithSendHook(hook func()) Option {
	return func(w *Wallet) {
		w.afterSend = hook
	}
}

// Wallet implements web3.Wallet for EVM compatible chains.
type Wallet struct {
	backend      Backend
	signer       Signer
	approver     web3.Approver
	pollInterval time.Duration
	afterSend    func()
	closer       func()

	mu      sync.Mutex // serialises nonce allocation
	chainID *big.Int
}

// Dial connects to an RPC endpoint and returns a wallet bound to signer.
func Dial(ctx context.Context, rpcURL string, signer Signer, opts ...Option) (*Wallet, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	w := NewWallet(client, signer, opts...)
	w.closer = client.Close
	return w, nil
}

// NewWallet wraps an existing backend.
func NewWallet(backend Backend, signer Signer, opts ...Option) *Wallet {
	w := &Wallet{
		backend:      backend,
		signer:       signer,
		approver:     web3.AutoApprove,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Close releases the underlying connection when the wallet owns it.
func (w *Wallet) Close() {
	if w != nil && w.closer != nil {
		w.closer()
	}
}

// Address implements web3.Wallet.
func (w *Wallet) Address() common.Address {
	return w.signer.Address()
}

// ChainID implements web3.Wallet; the value is cached after the first call.
func (w *Wallet) ChainID(ctx context.Context) (*big.Int, error) {
	w.mu.Lock()
	cached := w.chainID
	w.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := w.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	w.mu.Lock()
	w.chainID = id
	w.mu.Unlock()
	return new(big.Int).Set(id), nil
}

// Snapshot implements web3.Wallet.
func (w *Wallet) Snapshot(ctx context.Context) (web3.Snapshot, error) {
	id, err := w.ChainID(ctx)
	if err != nil {
		return web3.Snapshot{}, err
	}
	number, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return web3.Snapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.Snapshot{ChainID: id, BlockNumber: number}, nil
}

// NativeBalance implements web3.Wallet.
func (w *Wallet) NativeBalance(ctx context.Context) (*big.Int, error) {
	balance, err := w.backend.BalanceAt(ctx, w.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// TokenBalance implements web3.Wallet.
func (w *Wallet) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := web3.PackBalanceOf(w.Address())
	if err != nil {
		return nil, err
	}
	out, err := w.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return web3.UnpackUint256("balanceOf", out)
}

// Call implements web3.Wallet.
func (w *Wallet) Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	from := w.Address()
	out, err := w.backend.CallContract(ctx, gethcore.CallMsg{From: from, To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用合约 %s 失败: %w", contract.Hex(), err)
	}
	return out, nil
}

// Transfer implements web3.Wallet.
func (w *Wallet) Transfer(ctx context.Context, to common.Address, value *big.Int) (common.Hash, error) {
	return w.send(ctx, web3.TxRequest{
		Kind:    web3.TxTransfer,
		From:    w.Address(),
		To:      to,
		Value:   value,
		Summary: fmt.Sprintf("transfer %s wei to %s", value, to.Hex()),
	})
}

// ContractCall implements web3.Wallet.
func (w *Wallet) ContractCall(ctx context.Context, contract common.Address, data []byte, value *big.Int, summary string) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}
	return w.send(ctx, web3.TxRequest{
		Kind:    web3.TxContractCall,
		From:    w.Address(),
		To:      contract,
		Value:   value,
		Data:    data,
		Summary: summary,
	})
}

func (w *Wallet) send(ctx context.Context, req web3.TxRequest) (common.Hash, error) {
	if err := w.approver.Approve(ctx, req); err != nil {
		logger.Audit().Warn("钱包拒绝签名",
			slog.String("from", req.From.Hex()),
			slog.String("to", req.To.Hex()),
			slog.String("kind", string(req.Kind)),
			slog.String("error", err.Error()))
		if xerrors.HasCode(err, xerrors.CodeWalletRejected) {
			return common.Hash{}, err
		}
		return common.Hash{}, web3.ErrWalletRejected.WithCause(err)
	}

	chainID, err := w.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}
	to := req.To
	gas, err := w.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:      req.From,
		To:        &to,
		Value:     req.Value,
		Data:      req.Data,
		GasFeeCap: feeCap,
		GasTipCap: tip,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     req.Value,
		Data:      req.Data,
	})
	signed, err := w.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	logger.Audit().Info("交易已广播",
		slog.String("hash", signed.Hash().Hex()),
		slog.String("from", req.From.Hex()),
		slog.String("to", to.Hex()),
		slog.String("kind", string(req.Kind)),
		slog.String("value", req.Value.String()))
	if w.afterSend != nil {
		w.afterSend()
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined. A reverted transaction
// is reported as an execution failure.
func (w *Wallet) WaitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return receipt, xerrors.New(xerrors.CodeExecutionFailure, fmt.Sprintf("交易 %s 执行回滚", hash.Hex()))
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ web3.Wallet = (*Wallet)(nil)
