// Package stream implements the time-sliced streaming payment protocol: a
// per-stream state machine that meters a continuous resource in fixed-duration
// prepaid slices, pausing delivery when the prepaid horizon runs out.
package stream

import (
	"encoding/json"

	"github.com/tomu-sh/x402-stream/internal/x402"
)

// Method names of the session protocol.
const (
	MethodInit      = "stream.init"
	MethodAccept    = "stream.accept"
	MethodRequire   = "stream.require"
	MethodPay       = "stream.pay"
	MethodReject    = "stream.reject"
	MethodPause     = "stream.pause"
	MethodResume    = "stream.resume"
	MethodEnd       = "stream.end"
	MethodKeepalive = "stream.keepalive"
)

// InitParams opens a session. Network is optional; the seller's default
// network applies when absent.
type InitParams struct {
	Resource string `json:"resource"`
	Network  string `json:"network,omitempty"`
}

// AcceptTerms answers stream.init with the negotiated terms.
type AcceptTerms struct {
	StreamID     string `json:"streamId"`
	PricePerUnit string `json:"pricePerUnit"`
	UnitSeconds  int64  `json:"unitSeconds"`
	PayTo        string `json:"payTo"`
	Asset        string `json:"asset"`
	Network      string `json:"network"`
}

// RequireParams demands payment for one slice. Exactly one requirement is
// outstanding per stream at any time.
type RequireParams struct {
	StreamID     string                   `json:"streamId"`
	SliceIndex   uint64                   `json:"sliceIndex"`
	ExpiresAt    int64                    `json:"expiresAt"` // unix seconds
	Requirements x402.PaymentRequirements `json:"requirements"`
}

// PayParams carries the buyer's signed authorization for the pending slice.
type PayParams struct {
	StreamID       string              `json:"streamId"`
	SliceIndex     uint64              `json:"sliceIndex"`
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`
	VerifyOnly     bool                `json:"verifyOnly,omitempty"`
}

// AcceptResult answers a successful stream.pay.
type AcceptResult struct {
	StreamID       string               `json:"streamId"`
	SliceIndex     uint64               `json:"sliceIndex"`
	Verify         x402.VerifyResponse  `json:"verify"`
	Settle         *x402.SettleResponse `json:"settle,omitempty"`
	PrepaidUntilMs int64                `json:"prepaidUntilMs"`
}

// RejectParams answers a failed stream.pay. The buyer may retry the same
// slice with a fresh nonce before the requirement expires.
type RejectParams struct {
	StreamID      string             `json:"streamId"`
	SliceIndex    uint64             `json:"sliceIndex"`
	InvalidReason x402.InvalidReason `json:"invalidReason,omitempty"`
	ErrorReason   x402.ErrorReason   `json:"errorReason,omitempty"`
}

// PauseParams announces that delivery halted for lack of prepaid budget.
type PauseParams struct {
	StreamID    string `json:"streamId"`
	SliceIndex  uint64 `json:"sliceIndex"`
	RemainingMs int64  `json:"remainingMs"`
}

// ResumeParams announces that delivery resumed after a payment.
type ResumeParams struct {
	StreamID       string `json:"streamId"`
	PrepaidUntilMs int64  `json:"prepaidUntilMs"`
}

// Heartbeat answers stream.keepalive.
type Heartbeat struct {
	StreamID        string `json:"streamId"`
	State           State  `json:"state"`
	RemainingMs     int64  `json:"remainingMs"`
	NextRequireAtMs int64  `json:"nextRequireAtMs,omitempty"`
}

// EndParams closes a session from either side.
type EndParams struct {
	StreamID string `json:"streamId"`
	Reason   string `json:"reason,omitempty"`
}

// Outbound is one message the state machine wants delivered. ReplyTo set and
// Err nil → success response `{id, result:{method, params}}`; Err set → error
// response `{id, error}`; ReplyTo nil → server-initiated request.
type Outbound struct {
	ReplyTo json.RawMessage
	Method  string
	Params  any
	Err     *x402.ErrorBody
}

// reply builds a success response outbound.
func reply(id json.RawMessage, method string, params any) Outbound {
	return Outbound{ReplyTo: id, Method: method, Params: params}
}

// notify builds a server-initiated outbound.
func notify(method string, params any) Outbound {
	return Outbound{Method: method, Params: params}
}

// failure builds an error response outbound.
func failure(id json.RawMessage, code int, message string) Outbound {
	return Outbound{ReplyTo: id, Err: &x402.ErrorBody{Code: code, Message: message}}
}
