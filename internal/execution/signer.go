package execution

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoSigner is returned when execution is attempted without a key.
var ErrNoSigner = errors.New("execution: signer not configured")

// TxSigner signs outgoing transactions for one account.
type TxSigner interface {
	Address() common.Address
	Sign(tx *types.Transaction, chainID uint64) (*types.Transaction, error)
}

var _ TxSigner = (*Signer)(nil)

// Signer holds the hot-wallet key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key (with or without 0x). The key text never
// appears in returned errors.
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrNoSigner
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.New("execution: invalid private key")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the sending account.
func (s *Signer) Address() common.Address { return s.address }

// Sign signs tx for chainID.
func (s *Signer) Sign(tx *types.Transaction, chainID uint64) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}
