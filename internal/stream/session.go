package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tomu-sh/x402-stream/internal/x402"
)

// State is the lifecycle state of a stream session.
type State string

const (
	StateInit            State = "INIT"
	StateAwaitingPayment State = "AWAITING_PAYMENT"
	StateActive          State = "ACTIVE"
	StatePaused          State = "PAUSED"
	StateEnded           State = "ENDED"
)

// Terms are the negotiated conditions of one stream, fixed at stream.init.
type Terms struct {
	Network         string
	Asset           string
	AssetName       string
	AssetVersion    string
	PayTo           string
	Resource        string
	UnitSeconds     int64
	PriceAtomic     string
	RequireFraction float64
	TTL             time.Duration
	GraceSec        int64 // ≤ 10
}

// pendingSlice is the single outstanding requirement of a stream.
type pendingSlice struct {
	index        uint64
	requirements x402.PaymentRequirements
	expiresAt    int64 // unix seconds
	inFlight     bool  // a payment for this slice is at the facilitator
}

// PayJob is the work a session hands back from HandlePay: the actor runs
// verify(+settle) outside the state machine and feeds the outcome into
// CompletePay. The session itself never blocks on RPC.
type PayJob struct {
	ReplyTo    json.RawMessage
	SliceIndex uint64
	Request    x402.VerifyRequest
	VerifyOnly bool
}

// Session is the per-stream protocol state machine. It is not safe for
// concurrent use: exactly one actor owns it and feeds it one message at a
// time. All timestamps are unix milliseconds supplied by the caller, which
// makes every transition deterministic under test.
type Session struct {
	id    string
	terms Terms
	state State

	sliceIndex      uint64 // index of the most recently issued requirement
	pending         *pendingSlice
	prepaidUntilMs  int64
	nextRequireAtMs int64
	lastIssueMs     int64

	log *zap.Logger
}

func NewSession(id string, terms Terms, log *zap.Logger) *Session {
	return &Session{id: id, terms: terms, state: StateInit, log: log}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) State() State { return s.state }
func (s *Session) Terms() Terms { return s.terms }
func (s *Session) Ended() bool  { return s.state == StateEnded }

// RemainingMs is the prepaid budget left at nowMs. Negative once exhausted.
func (s *Session) RemainingMs(nowMs int64) int64 {
	return s.prepaidUntilMs - nowMs
}

// PrepaidUntilMs returns the current prepaid horizon.
func (s *Session) PrepaidUntilMs() int64 { return s.prepaidUntilMs }

// Start answers stream.init: accept the terms and immediately demand slice 0.
func (s *Session) Start(initID json.RawMessage, nowMs int64) []Outbound {
	if s.state != StateInit {
		return []Outbound{failure(initID, x402.CodeInvalidRequest, "stream already started")}
	}
	s.state = StateAwaitingPayment
	s.prepaidUntilMs = nowMs

	accept := reply(initID, MethodAccept, AcceptTerms{
		StreamID:     s.id,
		PricePerUnit: s.terms.PriceAtomic,
		UnitSeconds:  s.terms.UnitSeconds,
		PayTo:        s.terms.PayTo,
		Asset:        s.terms.Asset,
		Network:      s.terms.Network,
	})
	return []Outbound{accept, s.issueRequire(nowMs, false)}
}

// issueRequire builds and registers the next requirement. advance moves
// sliceIndex forward by exactly one; a re-issue of an expired requirement
// keeps the index.
func (s *Session) issueRequire(nowMs int64, advance bool) Outbound {
	if advance {
		s.sliceIndex++
	}
	reqs := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           s.terms.Network,
		MaxAmountRequired: s.terms.PriceAtomic,
		Resource:          s.terms.Resource,
		Description:       fmt.Sprintf("slice %d", s.sliceIndex),
		MimeType:          "application/octet-stream",
		PayTo:             s.terms.PayTo,
		MaxTimeoutSeconds: s.terms.UnitSeconds + 30,
		Asset:             s.terms.Asset,
	}
	if s.terms.AssetName != "" {
		reqs.Extra = &x402.EIP712Metadata{Name: s.terms.AssetName, Version: s.terms.AssetVersion}
	}
	expiresAt := nowMs/1000 + s.terms.UnitSeconds + s.terms.GraceSec
	s.pending = &pendingSlice{index: s.sliceIndex, requirements: reqs, expiresAt: expiresAt}
	s.lastIssueMs = nowMs

	return notify(MethodRequire, RequireParams{
		StreamID:     s.id,
		SliceIndex:   s.sliceIndex,
		ExpiresAt:    expiresAt,
		Requirements: reqs,
	})
}

// HandlePay validates routing of a buyer payment. A payload for anything but
// the pending slice is rejected outright — never queued, never dropped. The
// authorization window may not be wider than unitSeconds+grace, so an accepted
// payload can never outlive the slice it pays for. On success the returned
// PayJob carries the verify/settle work for the actor.
func (s *Session) HandlePay(reqID json.RawMessage, p PayParams, nowMs int64) ([]Outbound, *PayJob) {
	if s.state == StateEnded {
		return []Outbound{failure(reqID, x402.CodeInvalidRequest, "stream has ended")}, nil
	}
	if p.StreamID != s.id {
		return []Outbound{failure(reqID, x402.CodeInvalidParams, "unknown streamId "+p.StreamID)}, nil
	}
	if s.pending == nil || p.SliceIndex != s.pending.index {
		return []Outbound{failure(reqID, x402.CodeInvalidParams,
			fmt.Sprintf("sliceIndex %d is not pending", p.SliceIndex))}, nil
	}
	if s.pending.inFlight {
		return []Outbound{failure(reqID, x402.CodeInvalidRequest,
			fmt.Sprintf("payment for slice %d already in flight", p.SliceIndex))}, nil
	}
	if nowMs/1000 >= s.pending.expiresAt {
		// The requirement lapsed; hand the buyer a fresh one for the same slice.
		return []Outbound{
			failure(reqID, x402.CodeInvalidRequest,
				fmt.Sprintf("requirement for slice %d expired", p.SliceIndex)),
			s.issueRequire(nowMs, false),
		}, nil
	}
	validAfter, validBefore, err := p.PaymentPayload.Payload.Authorization.Window()
	if maxWindow := s.terms.UnitSeconds + s.terms.GraceSec; err != nil || validBefore-validAfter > maxWindow {
		return []Outbound{failure(reqID, x402.CodeInvalidParams,
			fmt.Sprintf("authorization window must not exceed %ds", maxWindow))}, nil
	}

	s.pending.inFlight = true
	return nil, &PayJob{
		ReplyTo:    reqID,
		SliceIndex: p.SliceIndex,
		Request: x402.VerifyRequest{
			X402Version:         x402.Version,
			PaymentPayload:      p.PaymentPayload,
			PaymentRequirements: s.pending.requirements,
		},
		VerifyOnly: p.VerifyOnly,
	}
}

// CompletePay consumes a facilitator outcome for an earlier PayJob. Outcomes
// for ended streams or superseded slices are discarded.
func (s *Session) CompletePay(job *PayJob, verify x402.VerifyResponse, settle *x402.SettleResponse, infraErr error, nowMs int64) []Outbound {
	if s.state == StateEnded {
		return nil
	}
	if s.pending == nil || s.pending.index != job.SliceIndex {
		return nil
	}
	s.pending.inFlight = false

	if infraErr != nil {
		s.log.Warn("payment check unavailable", zap.String("stream", s.id), zap.Error(infraErr))
		return []Outbound{failure(job.ReplyTo, x402.CodeInternalError, "facilitator unavailable, retry")}
	}
	if !verify.IsValid {
		return []Outbound{reply(job.ReplyTo, MethodReject, RejectParams{
			StreamID:      s.id,
			SliceIndex:    job.SliceIndex,
			InvalidReason: verify.InvalidReason,
		})}
	}
	if settle != nil && !settle.Success {
		// Fatal reasons burn the payload; the pending requirement stays so the
		// buyer can retry with a fresh authorization.
		return []Outbound{reply(job.ReplyTo, MethodReject, RejectParams{
			StreamID:    s.id,
			SliceIndex:  job.SliceIndex,
			ErrorReason: settle.ErrorReason,
		})}
	}

	// Slice accepted: extend the horizon. The base is never earlier than the
	// current horizon, so prepaidUntilMs is monotonically non-decreasing.
	wasPaused := s.state == StatePaused
	base := s.prepaidUntilMs
	if nowMs > base {
		base = nowMs
	}
	s.prepaidUntilMs = base + s.terms.UnitSeconds*1000
	s.nextRequireAtMs = base + int64(s.terms.RequireFraction*float64(s.terms.UnitSeconds*1000))
	s.pending = nil
	s.state = StateActive

	out := []Outbound{reply(job.ReplyTo, MethodAccept, AcceptResult{
		StreamID:       s.id,
		SliceIndex:     job.SliceIndex,
		Verify:         verify,
		Settle:         settle,
		PrepaidUntilMs: s.prepaidUntilMs,
	})}
	if wasPaused {
		out = append(out, notify(MethodResume, ResumeParams{StreamID: s.id, PrepaidUntilMs: s.prepaidUntilMs}))
	}
	return out
}

// Tick advances wall-clock-driven transitions: issuing the next requirement
// partway into the unit, re-issuing expired requirements, and pausing once
// the budget and the payment TTL are both exhausted.
func (s *Session) Tick(nowMs int64) []Outbound {
	if s.state == StateEnded || s.state == StateInit {
		return nil
	}
	var out []Outbound

	if s.state == StateActive && s.pending == nil && nowMs >= s.nextRequireAtMs {
		out = append(out, s.issueRequire(nowMs, true))
		s.state = StateAwaitingPayment
	}

	if s.state == StateAwaitingPayment && s.pending != nil && !s.pending.inFlight &&
		nowMs/1000 >= s.pending.expiresAt {
		out = append(out, s.issueRequire(nowMs, false))
	}

	if (s.state == StateActive || s.state == StateAwaitingPayment) &&
		s.RemainingMs(nowMs) <= 0 && nowMs >= s.lastIssueMs+s.terms.TTL.Milliseconds() {
		s.state = StatePaused
		out = append(out, notify(MethodPause, PauseParams{
			StreamID:    s.id,
			SliceIndex:  s.sliceIndex,
			RemainingMs: s.RemainingMs(nowMs),
		}))
	}
	return out
}

// Keepalive answers with a heartbeat of the session's budget.
func (s *Session) Keepalive(reqID json.RawMessage, nowMs int64) []Outbound {
	if s.state == StateEnded {
		return []Outbound{failure(reqID, x402.CodeInvalidRequest, "stream has ended")}
	}
	return []Outbound{reply(reqID, MethodKeepalive, Heartbeat{
		StreamID:        s.id,
		State:           s.state,
		RemainingMs:     s.RemainingMs(nowMs),
		NextRequireAtMs: s.nextRequireAtMs,
	})}
}

// End transitions to the terminal state. Idempotent; everything arriving
// afterwards is discarded by the owning actor.
func (s *Session) End(reqID json.RawMessage, reason string) []Outbound {
	if s.state == StateEnded {
		return nil
	}
	s.state = StateEnded
	s.pending = nil
	s.log.Info("stream ended", zap.String("stream", s.id), zap.String("reason", reason))
	if reqID == nil {
		return []Outbound{notify(MethodEnd, EndParams{StreamID: s.id, Reason: reason})}
	}
	return []Outbound{reply(reqID, MethodEnd, EndParams{StreamID: s.id, Reason: reason})}
}
