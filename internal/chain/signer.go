package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the facilitator's operational key. The key pays gas for
// settlement transactions and never moves facilitator funds. Key bytes stay
// inside this struct: callers get an address and signed transactions only.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operational key: %w", err)
	}
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address { return s.addr }

// SignTx signs a transaction with the London (EIP-1559) signer.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// String redacts the key; only the address is ever printable.
func (s *Signer) String() string { return "signer(" + s.addr.Hex() + ")" }

// GoString redacts the key from %#v formatting as well.
func (s *Signer) GoString() string { return s.String() }
