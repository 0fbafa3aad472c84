// Package chain is the facilitator's window onto a blockchain: reading token
// balances, submitting EIP-3009 transfers, and polling transaction status.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxState classifies a submitted transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxReverted  TxState = "reverted"
)

// TransferAuthorization is the on-chain form of a buyer authorization, ready
// to pass to transferWithAuthorization.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte // 65 bytes r||s||v
}

// Backend is the chain-RPC collaborator consumed by verification (balance
// reads) and settlement (submission + status polling). Implementations must be
// safe for concurrent use.
type Backend interface {
	SubmitTransfer(ctx context.Context, asset common.Address, auth TransferAuthorization) (common.Hash, error)
	TxStatus(ctx context.Context, tx common.Hash) (TxState, error)
	Balance(ctx context.Context, holder, asset common.Address) (*big.Int, error)
}

const erc3009JSON = `[
	{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	}
]`

var erc3009ABI abi.ABI

func init() {
	var err error
	erc3009ABI, err = abi.JSON(strings.NewReader(erc3009JSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc3009 ABI: %v", err))
	}
}

// Client implements Backend over go-ethereum for one network.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	signer  *Signer
}

func NewClient(rpcURL string, chainID int64, signer *Signer) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Client{eth: eth, chainID: big.NewInt(chainID), signer: signer}, nil
}

// Balance reads the ERC-20 balance of holder on the asset contract.
func (c *Client) Balance(ctx context.Context, holder, asset common.Address) (*big.Int, error) {
	data, err := erc3009ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("balanceOf returned %d bytes, want 32", len(raw))
	}
	return new(big.Int).SetBytes(raw), nil
}

// SubmitTransfer broadcasts transferWithAuthorization signed by the
// operational key. The buyer's authorization signature rides in calldata; the
// facilitator only pays gas.
func (c *Client) SubmitTransfer(ctx context.Context, asset common.Address, auth TransferAuthorization) (common.Hash, error) {
	if len(auth.Signature) != 65 {
		return common.Hash{}, fmt.Errorf("authorization signature is %d bytes, want 65", len(auth.Signature))
	}

	var r, s [32]byte
	copy(r[:], auth.Signature[0:32])
	copy(s[:], auth.Signature[32:64])
	v := auth.Signature[64]
	// Solidity ecrecover wants 27/28
	if v == 0 || v == 1 {
		v += 27
	}

	data, err := erc3009ABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack transferWithAuthorization: %w", err)
	}

	from := c.signer.Address()
	txNonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasTipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas tip cap: %w", err)
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	if header.BaseFee == nil {
		return common.Hash{}, errors.New("network does not support EIP-1559")
	}
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), gasTipCap)

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &asset, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &asset,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := c.signer.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}

// TxStatus looks the transaction up by receipt. A missing receipt means the
// transaction is still pending (or unknown to this node).
func (c *Client) TxStatus(ctx context.Context, tx common.Hash) (TxState, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, tx)
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TxReverted, nil
	}
	return TxConfirmed, nil
}
