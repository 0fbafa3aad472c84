package facilitator

import (
	"context"
	"time"

	"github.com/tomu-sh/x402-stream/internal/registry"
	"github.com/tomu-sh/x402-stream/internal/x402"
)

// Facilitator is the uniform supported/verify/settle surface. Both the HTTP
// handlers and the WebSocket dispatcher call through it, which is what lets
// one-shot payments and streaming slices share a single core.
type Facilitator struct {
	registry *registry.Registry
	verifier *Verifier
	engine   *Engine
}

func New(reg *registry.Registry, verifier *Verifier, engine *Engine) *Facilitator {
	return &Facilitator{registry: reg, verifier: verifier, engine: engine}
}

// Supported lists the active (scheme, network, asset) triples.
func (f *Facilitator) Supported() x402.SupportedResponse {
	return x402.SupportedResponse{Kinds: f.registry.Supported()}
}

// Verify checks a payment without side effects.
func (f *Facilitator) Verify(ctx context.Context, req *x402.VerifyRequest) (x402.VerifyResponse, error) {
	return f.verifier.Verify(ctx, req, time.Now())
}

// Settle verifies and then executes the payment on-chain.
func (f *Facilitator) Settle(ctx context.Context, req *x402.SettleRequest) (x402.SettleResponse, error) {
	return f.engine.Settle(ctx, req)
}
