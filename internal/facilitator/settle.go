package facilitator

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tomu-sh/x402-stream/internal/chain"
	"github.com/tomu-sh/x402-stream/internal/replay"
	"github.com/tomu-sh/x402-stream/internal/x402"
)

const (
	// Extra headroom on the nonce reservation past maxTimeoutSeconds, so a
	// reservation outlives its own confirmation window.
	reserveSlack = 60 * time.Second

	statusPollInterval = 2 * time.Second
)

// PendingJournal records settlements whose confirmation timed out, for the
// reconciliation pass. *replay.Journal implements it.
type PendingJournal interface {
	Record(ctx context.Context, key replay.Key, txHash string) error
	Resolve(ctx context.Context, key replay.Key) error
	Scan(ctx context.Context) ([]replay.Pending, error)
}

// Engine settles verified payments on-chain. The nonce reservation taken
// before submission is the only cross-request synchronization in the system:
// concurrent settles of one nonce have exactly one winner.
type Engine struct {
	verifier *Verifier
	nonces   NonceStore
	backends map[string]chain.Backend
	journal  PendingJournal
	log      *zap.Logger
}

func NewEngine(
	verifier *Verifier,
	nonces NonceStore,
	backends map[string]chain.Backend,
	journal PendingJournal,
	log *zap.Logger,
) *Engine {
	return &Engine{
		verifier: verifier,
		nonces:   nonces,
		backends: backends,
		journal:  journal,
		log:      log,
	}
}

// Settle re-verifies, reserves the nonce, submits the transfer, and waits for
// confirmation up to maxTimeoutSeconds. Outcomes:
//
//   - confirmed:  reservation committed, success
//   - reverted:   reservation released, tx_reverted (fatal for this payload)
//   - submit RPC failure: reservation released, rpc_unavailable (retryable)
//   - confirmation timeout: reservation HELD, tx_timeout; the journal entry
//     drives later reconciliation — releasing here would invite double spends.
func (e *Engine) Settle(ctx context.Context, req *x402.SettleRequest) (x402.SettleResponse, error) {
	network := req.PaymentRequirements.Network
	fail := func(reason x402.ErrorReason, payer string) x402.SettleResponse {
		return x402.SettleResponse{Success: false, Payer: payer, Network: network, ErrorReason: reason}
	}

	// Defense in depth: callers are expected to have verified already, but the
	// verify→settle gap is a race window.
	verdict, err := e.verifier.Verify(ctx, req, time.Now())
	if err != nil {
		e.log.Warn("settle: verification infrastructure fault", zap.Error(err))
		return fail(x402.ErrRPCUnavailable, ""), nil
	}
	if !verdict.IsValid {
		if verdict.InvalidReason == x402.ReasonNonceReused {
			return fail(x402.ErrNonceReused, verdict.Payer), nil
		}
		return fail(x402.ErrVerifyFailed, verdict.Payer), nil
	}

	auth := &req.PaymentPayload.Payload.Authorization
	key := nonceKey(&req.PaymentRequirements, auth)
	timeout := time.Duration(req.PaymentRequirements.MaxTimeoutSeconds) * time.Second

	won, err := e.nonces.Reserve(ctx, key, timeout+reserveSlack)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !won {
		// Exactly one concurrent winner; everyone else stops here with no tx.
		return fail(x402.ErrNonceReused, verdict.Payer), nil
	}

	backend := e.backends[network]
	txHash, err := e.submit(ctx, backend, req, auth)
	if err != nil {
		// Nothing was broadcast; the same authorization may be retried.
		e.releaseQuietly(key)
		e.log.Warn("settle: submission failed", zap.String("network", network), zap.Error(err))
		return fail(x402.ErrRPCUnavailable, verdict.Payer), nil
	}

	state := e.awaitConfirmation(ctx, backend, txHash, timeout)
	switch state {
	case chain.TxConfirmed:
		if err := e.nonces.Commit(ctx, key); err != nil {
			// The transfer landed; losing the commit would re-open the nonce.
			e.log.Error("settle: commit after confirmation failed", zap.Error(err))
			return x402.SettleResponse{}, err
		}
		e.log.Info("settlement confirmed",
			zap.String("network", network),
			zap.String("payer", verdict.Payer),
			zap.String("tx", txHash.Hex()),
		)
		return x402.SettleResponse{
			Success:     true,
			Payer:       verdict.Payer,
			Transaction: txHash.Hex(),
			Network:     network,
		}, nil

	case chain.TxReverted:
		e.releaseQuietly(key)
		e.log.Warn("settlement reverted",
			zap.String("network", network),
			zap.String("tx", txHash.Hex()),
		)
		return fail(x402.ErrTxReverted, verdict.Payer), nil

	default:
		// Ambiguous: the transfer may still confirm. Keep the reservation and
		// journal the attempt for reconciliation.
		if err := e.journal.Record(context.WithoutCancel(ctx), key, txHash.Hex()); err != nil {
			e.log.Error("settle: journal pending settlement", zap.Error(err))
		}
		e.log.Warn("settlement confirmation timed out",
			zap.String("network", network),
			zap.String("tx", txHash.Hex()),
		)
		resp := fail(x402.ErrTxTimeout, verdict.Payer)
		resp.Transaction = txHash.Hex()
		return resp, nil
	}
}

func (e *Engine) submit(ctx context.Context, backend chain.Backend, req *x402.SettleRequest, auth *x402.Authorization) (common.Hash, error) {
	value, _ := auth.ValueBig()
	validAfter, validBefore, _ := auth.Window()
	nonce, _ := auth.NonceBytes()
	sig, _ := req.PaymentPayload.Payload.SignatureBytes()

	return backend.SubmitTransfer(ctx, common.HexToAddress(req.PaymentRequirements.Asset), chain.TransferAuthorization{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       value,
		ValidAfter:  big.NewInt(validAfter),
		ValidBefore: big.NewInt(validBefore),
		Nonce:       nonce,
		Signature:   sig,
	})
}

// awaitConfirmation polls the transaction until it leaves the pending state or
// the window closes. Transient status errors are retried within the window.
func (e *Engine) awaitConfirmation(ctx context.Context, backend chain.Backend, tx common.Hash, timeout time.Duration) chain.TxState {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		state, err := backend.TxStatus(ctx, tx)
		if err == nil && state != chain.TxPending {
			return state
		}
		if err != nil {
			e.log.Debug("settle: status poll failed", zap.String("tx", tx.Hex()), zap.Error(err))
		}
		if time.Now().After(deadline) {
			return chain.TxPending
		}
		select {
		case <-ctx.Done():
			return chain.TxPending
		case <-ticker.C:
		}
	}
}

// releaseQuietly frees a reservation on paths where settle already has a
// verdict to return; the release itself runs detached from the request ctx.
func (e *Engine) releaseQuietly(key replay.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.nonces.Release(ctx, key); err != nil {
		e.log.Error("settle: release reservation failed", zap.Error(err))
	}
}

// Reconcile resolves journaled ambiguous settlements: a confirmed transfer
// commits its reservation, a reverted one releases it, anything still pending
// stays journaled for the next pass.
func (e *Engine) Reconcile(ctx context.Context) {
	pending, err := e.journal.Scan(ctx)
	if err != nil {
		e.log.Error("reconcile: scan journal", zap.Error(err))
		return
	}
	for _, p := range pending {
		backend, ok := e.backends[p.Key.Network]
		if !ok {
			continue
		}
		state, err := backend.TxStatus(ctx, common.HexToHash(p.TxHash))
		if err != nil || state == chain.TxPending {
			continue
		}
		switch state {
		case chain.TxConfirmed:
			if err := e.nonces.Commit(ctx, p.Key); err != nil {
				e.log.Error("reconcile: commit", zap.Error(err))
				continue
			}
		case chain.TxReverted:
			if err := e.nonces.Release(ctx, p.Key); err != nil {
				e.log.Error("reconcile: release", zap.Error(err))
				continue
			}
		}
		if err := e.journal.Resolve(ctx, p.Key); err != nil {
			e.log.Error("reconcile: resolve journal entry", zap.Error(err))
		}
		e.log.Info("reconciled pending settlement",
			zap.String("tx", p.TxHash),
			zap.String("state", string(state)),
		)
	}
}

// RunReconciler periodically resolves journaled settlements until ctx ends.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("settlement reconciler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("settlement reconciler stopped")
			return
		case <-ticker.C:
			e.Reconcile(ctx)
		}
	}
}
