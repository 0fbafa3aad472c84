package x402

// InvalidReason enumerates verification-rule failures. These are business
// verdicts, not errors: the buyer may retry with a fresh nonce or window.
type InvalidReason string

const (
	ReasonSchemeMismatch      InvalidReason = "scheme_mismatch"
	ReasonNetworkMismatch     InvalidReason = "network_mismatch"
	ReasonAssetMismatch       InvalidReason = "asset_mismatch"
	ReasonRecipientMismatch   InvalidReason = "recipient_mismatch"
	ReasonNotYetValid         InvalidReason = "not_yet_valid"
	ReasonExpired             InvalidReason = "expired"
	ReasonInsufficientValue   InvalidReason = "insufficient_value"
	ReasonInvalidSignature    InvalidReason = "invalid_signature"
	ReasonNonceReused         InvalidReason = "nonce_reused"
	ReasonInsufficientBalance InvalidReason = "insufficient_balance"
	ReasonMalformedPayload    InvalidReason = "malformed_payload"
)

// ErrorReason enumerates settlement faults.
//
//   - rpc_unavailable: transient, retry the same authorization.
//   - tx_reverted: fatal for this payload, buyer must sign a new authorization.
//   - tx_timeout: ambiguous, nonce reservation is held pending reconciliation.
type ErrorReason string

const (
	ErrNonceReused    ErrorReason = "nonce_reused"
	ErrTxReverted     ErrorReason = "tx_reverted"
	ErrRPCUnavailable ErrorReason = "rpc_unavailable"
	ErrTxTimeout      ErrorReason = "tx_timeout"
	ErrVerifyFailed   ErrorReason = "verify_failed"
)

// Retryable reports whether the same authorization may be resubmitted after
// this settlement fault.
func (e ErrorReason) Retryable() bool {
	return e == ErrRPCUnavailable
}
