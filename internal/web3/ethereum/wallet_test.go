package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"
)

func newSimulatedWallet(t *testing.T, opts ...Option) (*Wallet, *simulated.Backend) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewKeySigner(key)

	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		signer.Address(): {Balance: funds},
	})
	t.Cleanup(func() { _ = backend.Close() })

	opts = append([]Option{
		WithSendHook(func() { backend.Commit() }),
		WithPollInterval(10 * time.Millisecond),
	}, opts...)
	return NewWallet(backend.Client(), signer, opts...), backend
}

func TestWalletSnapshotAndBalance(t *testing.T) {
	wallet, _ := newSimulatedWallet(t)
	ctx := context.Background()

	snapshot, err := wallet.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1337), snapshot.ChainID.Int64())

	balance, err := wallet.NativeBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, "100", web3.FormatUnits(balance, 18))
}

func TestWalletTransferIsMined(t *testing.T) {
	wallet, backend := newSimulatedWallet(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	value := big.NewInt(1e17)

	hash, err := wallet.Transfer(ctx, recipient, value)
	require.NoError(t, err)

	receipt, err := wallet.WaitForReceipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, coretypes.ReceiptStatusSuccessful, receipt.Status)

	got, err := backend.Client().BalanceAt(ctx, recipient, nil)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(value))

	// 第二笔交易要使用递增后的 nonce
	_, err = wallet.Transfer(ctx, recipient, value)
	require.NoError(t, err)
}

func TestWalletApproverRejects(t *testing.T) {
	limit := web3.LimitApprover{Max: big.NewInt(1000)}
	wallet, backend := newSimulatedWallet(t, WithApprover(limit))
	ctx := context.Background()

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	_, err := wallet.Transfer(ctx, recipient, big.NewInt(1e18))
	require.Error(t, err)
	require.True(t, errors.Is(err, web3.ErrWalletRejected))

	got, err := backend.Client().BalanceAt(ctx, recipient, nil)
	require.NoError(t, err)
	require.Zero(t, got.Sign())
}

func TestWalletWrapsForeignRejections(t *testing.T) {
	reject := web3.ApproverFunc(func(context.Context, web3.TxRequest) error {
		return errors.New("user closed the popup")
	})
	wallet, _ := newSimulatedWallet(t, WithApprover(reject))

	_, err := wallet.Transfer(context.Background(), common.Address{}, big.NewInt(1))
	require.True(t, xerrors.HasCode(err, xerrors.CodeWalletRejected))
}

func TestWaitForReceiptHonoursContext(t *testing.T) {
	wallet, _ := newSimulatedWallet(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := wallet.WaitForReceipt(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseKeySigner(t *testing.T) {
	_, err := ParseKeySigner("")
	require.Error(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	signer, err := ParseKeySigner("0x" + hexKey)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())
}
