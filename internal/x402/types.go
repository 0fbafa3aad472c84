// Package x402 defines the wire types of the x402 payment protocol as used by
// the facilitator: payment requirements, signed payment payloads, and the
// verify/settle request-response pairs.
//
// Integer token amounts and unix timestamps travel as decimal strings so that
// uint256 values survive JSON round-trips; parsing helpers return *big.Int or
// int64 as appropriate.
package x402

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Protocol version carried in every request.
const Version = 1

// SchemeExact is the only payment scheme this facilitator implements:
// a one-shot EIP-3009 transferWithAuthorization for an exact amount.
const SchemeExact = "exact"

// PaymentRequirements declares what a seller demands for one resource (or, in
// streaming mode, one slice). Immutable once issued.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int64           `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	Extra             *EIP712Metadata `json:"extra,omitempty"`
}

// EIP712Metadata carries the token's signing-domain parameters. USDC on most
// chains uses name "USD Coin" / version "2".
type EIP712Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MaxAmount parses MaxAmountRequired as a base-10 uint256.
func (r *PaymentRequirements) MaxAmount() (*big.Int, bool) {
	return parseAmount(r.MaxAmountRequired)
}

// Authorization is the EIP-3009 TransferWithAuthorization message signed by
// the buyer. Produced once per slice; never mutated.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ValueBig parses Value as a base-10 uint256.
func (a *Authorization) ValueBig() (*big.Int, bool) {
	return parseAmount(a.Value)
}

// Window returns the [validAfter, validBefore] bounds as unix seconds.
func (a *Authorization) Window() (validAfter, validBefore int64, err error) {
	validAfter, err = strconv.ParseInt(a.ValidAfter, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse validAfter: %w", err)
	}
	validBefore, err = strconv.ParseInt(a.ValidBefore, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse validBefore: %w", err)
	}
	return validAfter, validBefore, nil
}

// NonceBytes decodes the nonce, which must be exactly 32 bytes of hex.
func (a *Authorization) NonceBytes() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(a.Nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("decode nonce: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("nonce is %d bytes, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// ExactEvmPayload is the scheme-specific body of a PaymentPayload: the signed
// authorization plus its 65-byte ECDSA signature (hex).
type ExactEvmPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// SignatureBytes decodes the signature and normalizes V to 0/1.
func (p *ExactEvmPayload) SignatureBytes() ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("signature is %d bytes, want 65", len(raw))
	}
	if raw[64] == 27 || raw[64] == 28 {
		raw[64] -= 27
	}
	return raw, nil
}

// PaymentPayload is the buyer-submitted proof of payment.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEvmPayload `json:"payload"`
}

// VerifyRequest is the body of x402.verify; SettleRequest is identical.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of x402.settle.
type SettleRequest = VerifyRequest

// VerifyResponse is the facilitator's verdict on a payment. Exactly one of
// Payer (valid) or InvalidReason (invalid) is meaningful.
type VerifyResponse struct {
	IsValid       bool          `json:"isValid"`
	Payer         string        `json:"payer,omitempty"`
	InvalidReason InvalidReason `json:"invalidReason,omitempty"`
}

// Valid builds a successful verification verdict.
func Valid(payer string) VerifyResponse {
	return VerifyResponse{IsValid: true, Payer: payer}
}

// Invalid builds a failed verification verdict.
func Invalid(reason InvalidReason) VerifyResponse {
	return VerifyResponse{IsValid: false, InvalidReason: reason}
}

// SettleResponse reports the outcome of an on-chain settlement attempt.
type SettleResponse struct {
	Success     bool        `json:"success"`
	Payer       string      `json:"payer,omitempty"`
	Transaction string      `json:"transaction,omitempty"`
	Network     string      `json:"network"`
	ErrorReason ErrorReason `json:"errorReason,omitempty"`
}

// SupportedKind is one (scheme, network, asset) triple the facilitator will
// verify and settle against.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
}

// SupportedResponse is the body of x402.supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// DecodeStrict unmarshals JSON into v, rejecting unknown shapes loosely enough
// for protocol evolution but failing on malformed input.
func DecodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty params")
	}
	return json.Unmarshal(raw, v)
}
