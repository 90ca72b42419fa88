package web3

import (
	"context"
	"fmt"
	"math/big"

	xerrors "ChainChat/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrWalletRejected is returned when the wallet declines to sign. Executors
// map it to a cancelled invocation rather than a failed one.
var ErrWalletRejected = xerrors.New(xerrors.CodeWalletRejected, "")

// TxKind classifies a state-changing request shown to the wallet approver.
type TxKind string

const (
	TxTransfer     TxKind = "transfer"
	TxContractCall TxKind = "contract_call"
)

// TxRequest describes a transaction awaiting the wallet's own approval.
type TxRequest struct {
	Kind    TxKind
	From    common.Address
	To      common.Address
	Value   *big.Int
	Data    []byte
	Summary string
}

// Approver is the wallet-native signing prompt.
type Approver interface {
	Approve(ctx context.Context, req TxRequest) error
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req TxRequest) error

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, req TxRequest) error { return f(ctx, req) }

// AutoApprove signs every request.
var AutoApprove Approver = ApproverFunc(func(context.Context, TxRequest) error { return nil })

// LimitApprover rejects transfers whose native value exceeds Max.
type LimitApprover struct {
	Max *big.Int
}

// Approve implements Approver.
func (l LimitApprover) Approve(_ context.Context, req TxRequest) error {
	if l.Max == nil || req.Value == nil {
		return nil
	}
	if req.Value.Cmp(l.Max) > 0 {
		return ErrWalletRejected.WithCause(fmt.Errorf("value %s exceeds the wallet limit %s", req.Value, l.Max))
	}
	return nil
}

// Snapshot summarises the connected network.
type Snapshot struct {
	ChainID     *big.Int
	BlockNumber uint64
}

// Wallet is the account-bound chain interface used by tools.
type Wallet interface {
	Address() common.Address
	ChainID(ctx context.Context) (*big.Int, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	NativeBalance(ctx context.Context) (*big.Int, error)
	TokenBalance(ctx context.Context, token common.Address) (*big.Int, error)
	Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
	Transfer(ctx context.Context, to common.Address, value *big.Int) (common.Hash, error)
	ContractCall(ctx context.Context, contract common.Address, data []byte, value *big.Int, summary string) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}
