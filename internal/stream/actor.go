package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tomu-sh/x402-stream/internal/x402"
)

// Core is the verification/settlement surface the stream layer drives.
// *facilitator.Facilitator implements it.
type Core interface {
	Verify(ctx context.Context, req *x402.VerifyRequest) (x402.VerifyResponse, error)
	Settle(ctx context.Context, req *x402.SettleRequest) (x402.SettleResponse, error)
}

// Sender delivers outbound messages to the transport. Implementations must be
// safe for concurrent use; the gateway serializes writes behind it.
type Sender interface {
	Send(out Outbound)
}

const (
	tickInterval = time.Second
	mailboxSize  = 32
)

type message any

type msgStart struct {
	id json.RawMessage
}

type msgRequest struct {
	req x402.Request
}

type msgPayDone struct {
	job    *PayJob
	verify x402.VerifyResponse
	settle *x402.SettleResponse
	err    error
}

// Actor owns one Session: a single goroutine drains the mailbox and the tick
// timer, so the state machine always sees one message at a time. Chain RPC
// work never runs on this goroutine — PayJobs execute in their own goroutine
// and post their outcome back into the mailbox, which keeps control messages
// (stream.end, stream.keepalive) flowing during a slow settlement.
type Actor struct {
	session *Session
	core    Core
	sink    Sender
	mailbox chan message
	onEnd   func(id string)
	log     *zap.Logger
}

func newActor(session *Session, core Core, sink Sender, onEnd func(id string), log *zap.Logger) *Actor {
	return &Actor{
		session: session,
		core:    core,
		sink:    sink,
		mailbox: make(chan message, mailboxSize),
		onEnd:   onEnd,
		log:     log,
	}
}

// post enqueues without blocking the caller. A full mailbox drops the message;
// wall-clock-driven transitions recover on the next tick.
func (a *Actor) post(m message) {
	select {
	case a.mailbox <- m:
	default:
		a.log.Warn("stream mailbox full, message dropped", zap.String("stream", a.session.ID()))
	}
}

func (a *Actor) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-a.mailbox:
			a.handle(ctx, m)
			// The session is terminal; the goroutine stops with it. Outcomes
			// of a still-running PayJob are dropped by the full mailbox.
			if a.session.Ended() {
				if a.onEnd != nil {
					a.onEnd(a.session.ID())
				}
				return
			}
		case <-ticker.C:
			a.emit(a.session.Tick(nowMs()))
		}
	}
}

func (a *Actor) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case msgStart:
		a.emit(a.session.Start(m.id, nowMs()))

	case msgRequest:
		a.handleRequest(ctx, m.req)

	case msgPayDone:
		a.emit(a.session.CompletePay(m.job, m.verify, m.settle, m.err, nowMs()))
	}
}

func (a *Actor) handleRequest(ctx context.Context, req x402.Request) {
	switch req.Method {
	case MethodPay:
		var p PayParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.emit([]Outbound{failure(req.ID, x402.CodeInvalidParams, "invalid stream.pay params")})
			return
		}
		out, job := a.session.HandlePay(req.ID, p, nowMs())
		a.emit(out)
		if job != nil {
			go a.runPayJob(ctx, job)
		}

	case MethodKeepalive:
		a.emit(a.session.Keepalive(req.ID, nowMs()))

	case MethodEnd:
		a.emit(a.session.End(req.ID, "ended by peer"))

	default:
		a.emit([]Outbound{failure(req.ID, x402.CodeMethodNotFound, "unknown method "+req.Method)})
	}
}

// runPayJob verifies and (unless verifyOnly) settles one slice payment. The
// settle call is detached from the connection context: an in-flight settlement
// runs to completion so its nonce reservation is committed or released
// correctly even when the stream ends first — only the result delivery is
// subject to discard.
func (a *Actor) runPayJob(ctx context.Context, job *PayJob) {
	verify, err := a.core.Verify(ctx, &job.Request)
	if err != nil || !verify.IsValid || job.VerifyOnly {
		a.post(msgPayDone{job: job, verify: verify, err: err})
		return
	}
	settle, err := a.core.Settle(context.WithoutCancel(ctx), &job.Request)
	a.post(msgPayDone{job: job, verify: verify, settle: &settle, err: err})
}

func (a *Actor) emit(out []Outbound) {
	for _, o := range out {
		a.sink.Send(o)
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Hub owns the stream actors of one transport connection. Sessions die with
// their connection: Close ends every actor.
type Hub struct {
	core  Core
	terms Terms
	sink  Sender
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors map[string]*Actor
}

func NewHub(core Core, terms Terms, sink Sender, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		core:   core,
		terms:  terms,
		sink:   sink,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		actors: make(map[string]*Actor),
	}
}

// Handles reports whether a method belongs to the session protocol.
func Handles(method string) bool {
	switch method {
	case MethodInit, MethodPay, MethodKeepalive, MethodEnd:
		return true
	}
	return false
}

// Dispatch routes one stream.* request to its actor, creating one on
// stream.init. Responses travel through the hub's sink.
func (h *Hub) Dispatch(req x402.Request) {
	if req.Method == MethodInit {
		h.initStream(req)
		return
	}

	var ref struct {
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(req.Params, &ref); err != nil || ref.StreamID == "" {
		h.sink.Send(Outbound{ReplyTo: req.ID, Err: &x402.ErrorBody{
			Code: x402.CodeInvalidParams, Message: "missing streamId",
		}})
		return
	}

	h.mu.Lock()
	actor, ok := h.actors[ref.StreamID]
	h.mu.Unlock()
	if !ok {
		h.sink.Send(Outbound{ReplyTo: req.ID, Err: &x402.ErrorBody{
			Code: x402.CodeInvalidParams, Message: "unknown streamId " + ref.StreamID,
		}})
		return
	}
	actor.post(msgRequest{req: req})
}

func (h *Hub) initStream(req x402.Request) {
	var p InitParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			h.sink.Send(Outbound{ReplyTo: req.ID, Err: &x402.ErrorBody{
				Code: x402.CodeInvalidParams, Message: "invalid stream.init params",
			}})
			return
		}
	}
	if p.Network != "" && p.Network != h.terms.Network {
		h.sink.Send(Outbound{ReplyTo: req.ID, Err: &x402.ErrorBody{
			Code: x402.CodeInvalidParams, Message: "unsupported network " + p.Network,
		}})
		return
	}

	terms := h.terms
	if p.Resource != "" {
		terms.Resource = p.Resource
	}

	id := uuid.New().String()
	session := NewSession(id, terms, h.log)
	actor := newActor(session, h.core, h.sink, h.remove, h.log)

	h.mu.Lock()
	h.actors[id] = actor
	h.mu.Unlock()

	go actor.run(h.ctx)
	actor.post(msgStart{id: req.ID})
	h.log.Info("stream opened",
		zap.String("stream", id),
		zap.String("network", terms.Network),
		zap.String("resource", terms.Resource),
	)
}

// remove drops an ended actor so a long-lived connection cannot accumulate
// dead sessions.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.actors, id)
	h.mu.Unlock()
}

// Close tears down every actor owned by this hub.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	h.actors = make(map[string]*Actor)
	h.mu.Unlock()
}
