package ethereum

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions on behalf of a single account.
type Signer interface {
	Address() common.Address
	SignTx(tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseKeySigner parses a hex encoded private key with or without 0x prefix.
func ParseKeySigner(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("私钥不能为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return NewKeySigner(key), nil
}

// Address implements Signer.
func (s *KeySigner) Address() common.Address { return s.address }

// SignTx implements Signer.
func (s *KeySigner) SignTx(tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	return coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.key)
}
