// Package facilitator implements the verification/settlement core shared by
// the HTTP endpoints and the streaming session manager.
package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/tomu-sh/x402-stream/internal/chain"
	"github.com/tomu-sh/x402-stream/internal/registry"
	"github.com/tomu-sh/x402-stream/internal/replay"
	"github.com/tomu-sh/x402-stream/internal/x402"
)

// NonceStore is the replay-guard surface the core needs. *replay.Guard
// implements it; tests substitute an in-memory double.
type NonceStore interface {
	Reserve(ctx context.Context, key replay.Key, ttl time.Duration) (bool, error)
	Commit(ctx context.Context, key replay.Key) error
	Release(ctx context.Context, key replay.Key) error
	Accepted(ctx context.Context, key replay.Key) (bool, error)
}

// Verifier checks a payment payload against its requirements. Verify mutates
// nothing and is safe for unbounded concurrent use.
type Verifier struct {
	registry      *registry.Registry
	nonces        NonceStore
	backends      map[string]chain.Backend
	verifyBalance bool
	clockSkew     time.Duration
}

func NewVerifier(
	reg *registry.Registry,
	nonces NonceStore,
	backends map[string]chain.Backend,
	verifyBalance bool,
	clockSkew time.Duration,
) *Verifier {
	return &Verifier{
		registry:      reg,
		nonces:        nonces,
		backends:      backends,
		verifyBalance: verifyBalance,
		clockSkew:     clockSkew,
	}
}

// Verify runs the ordered rule checks, short-circuiting on the first failure.
// Rule failures come back as a typed verdict; only infrastructure faults (RPC
// unreachable, replay store down) are returned as errors.
func (v *Verifier) Verify(ctx context.Context, req *x402.VerifyRequest, now time.Time) (x402.VerifyResponse, error) {
	reqs := &req.PaymentRequirements
	payload := &req.PaymentPayload
	auth := &payload.Payload.Authorization

	// 1. scheme
	if reqs.Scheme != x402.SchemeExact || payload.Scheme != x402.SchemeExact {
		return x402.Invalid(x402.ReasonSchemeMismatch), nil
	}

	// 2. network + asset
	if payload.Network != reqs.Network || !v.registry.Active(reqs.Network) {
		return x402.Invalid(x402.ReasonNetworkMismatch), nil
	}
	params, ok := v.registry.Lookup(reqs.Network, reqs.Asset)
	if !ok {
		return x402.Invalid(x402.ReasonAssetMismatch), nil
	}
	if !strings.EqualFold(auth.To, reqs.PayTo) {
		return x402.Invalid(x402.ReasonRecipientMismatch), nil
	}

	// 3. validity window; skew forgiveness applies to validAfter only
	validAfter, validBefore, err := auth.Window()
	if err != nil {
		return x402.Invalid(x402.ReasonMalformedPayload), nil
	}
	unix := now.Unix()
	if unix < validAfter-int64(v.clockSkew.Seconds()) {
		return x402.Invalid(x402.ReasonNotYetValid), nil
	}
	if unix >= validBefore {
		return x402.Invalid(x402.ReasonExpired), nil
	}

	// 4. value ≥ maxAmountRequired
	value, ok := auth.ValueBig()
	if !ok {
		return x402.Invalid(x402.ReasonMalformedPayload), nil
	}
	maxAmount, ok := reqs.MaxAmount()
	if !ok {
		return x402.Invalid(x402.ReasonMalformedPayload), nil
	}
	if value.Cmp(maxAmount) < 0 {
		return x402.Invalid(x402.ReasonInsufficientValue), nil
	}

	// 5. signature recovers to `from` over the EIP-712 digest
	payer, ok := recoverPayer(params, reqs, payload)
	if !ok {
		return x402.Invalid(x402.ReasonInvalidSignature), nil
	}

	// 6. nonce not already accepted (read-only; reservation happens in settle)
	accepted, err := v.nonces.Accepted(ctx, nonceKey(reqs, auth))
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("replay lookup: %w", err)
	}
	if accepted {
		return x402.Invalid(x402.ReasonNonceReused), nil
	}

	// 7. optional on-chain balance check
	if v.verifyBalance {
		backend, ok := v.backends[reqs.Network]
		if !ok {
			return x402.Invalid(x402.ReasonNetworkMismatch), nil
		}
		balance, err := backend.Balance(ctx, payer, common.HexToAddress(reqs.Asset))
		if err != nil {
			return x402.VerifyResponse{}, fmt.Errorf("balance check: %w", err)
		}
		if balance.Cmp(value) < 0 {
			return x402.Invalid(x402.ReasonInsufficientBalance), nil
		}
	}

	return x402.Valid(payer.Hex()), nil
}

func nonceKey(reqs *x402.PaymentRequirements, auth *x402.Authorization) replay.Key {
	return replay.Key{Network: reqs.Network, Asset: reqs.Asset, Nonce: auth.Nonce}
}

// recoverPayer rebuilds the TransferWithAuthorization typed-data digest and
// recovers the signing address. Domain parameters come from requirements.extra
// when the seller supplied them, otherwise from the registry's asset metadata.
func recoverPayer(params registry.ChainParams, reqs *x402.PaymentRequirements, payload *x402.PaymentPayload) (common.Address, bool) {
	auth := &payload.Payload.Authorization
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return common.Address{}, false
	}
	value, ok := auth.ValueBig()
	if !ok {
		return common.Address{}, false
	}
	validAfter, validBefore, err := auth.Window()
	if err != nil {
		return common.Address{}, false
	}
	nonce, err := auth.NonceBytes()
	if err != nil {
		return common.Address{}, false
	}
	sig, err := payload.Payload.SignatureBytes()
	if err != nil {
		return common.Address{}, false
	}

	name, version := params.AssetName, params.AssetVersion
	if reqs.Extra != nil && reqs.Extra.Name != "" {
		name, version = reqs.Extra.Name, reqs.Extra.Version
	}

	digest, err := AuthorizationDigest(name, version, params.ChainID, reqs.Asset, auth.From, auth.To, value, validAfter, validBefore, nonce)
	if err != nil {
		return common.Address{}, false
	}

	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, false
	}
	recovered := crypto.PubkeyToAddress(*pubkey)
	if recovered != common.HexToAddress(auth.From) {
		return common.Address{}, false
	}
	return recovered, true
}

// AuthorizationDigest computes the EIP-712 digest of a TransferWithAuthorization
// message bound to (asset, chainId, token name, token version). Exported for
// test fixtures that need to produce real buyer signatures.
func AuthorizationDigest(
	name, version string,
	chainID int64,
	asset, from, to string,
	value *big.Int,
	validAfter, validBefore int64,
	nonce [32]byte,
) ([]byte, error) {
	hexChainID := math.HexOrDecimal256(*big.NewInt(chainID))
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           &hexChainID,
			VerifyingContract: asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from,
			"to":          to,
			"value":       value,
			"validAfter":  big.NewInt(validAfter),
			"validBefore": big.NewInt(validBefore),
			"nonce":       nonce,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	raw := append(append([]byte("\x19\x01"), domainSeparator...), messageHash...)
	return crypto.Keccak256(raw), nil
}
