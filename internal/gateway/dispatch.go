package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/tomu-sh/x402-stream/internal/x402"
)

// Facilitator envelope method names.
const (
	methodSupported = "x402.supported"
	methodVerify    = "x402.verify"
	methodSettle    = "x402.settle"
)

// dispatchFacilitator answers one x402.* request. The second return is false
// for methods outside the facilitator namespace.
func (s *Server) dispatchFacilitator(ctx context.Context, req x402.Request) (x402.Response, bool) {
	switch req.Method {
	case methodSupported:
		return x402.Ok(req.ID, s.fac.Supported()), true

	case methodVerify:
		var body x402.VerifyRequest
		if err := json.Unmarshal(req.Params, &body); err != nil {
			return x402.Fail(req.ID, x402.CodeInvalidParams, "invalid params: "+err.Error(), nil), true
		}
		resp, err := s.fac.Verify(ctx, &body)
		if err != nil {
			s.log.Warn("verify failed", zap.Error(err))
			return x402.Fail(req.ID, x402.CodeInternalError, "verification unavailable", nil), true
		}
		return x402.Ok(req.ID, resp), true

	case methodSettle:
		var body x402.SettleRequest
		if err := json.Unmarshal(req.Params, &body); err != nil {
			return x402.Fail(req.ID, x402.CodeInvalidParams, "invalid params: "+err.Error(), nil), true
		}
		resp, err := s.fac.Settle(ctx, &body)
		if err != nil {
			s.log.Error("settle failed", zap.Error(err))
			return x402.Fail(req.ID, x402.CodeSettleFailed, "settlement failed", nil), true
		}
		return x402.Ok(req.ID, resp), true
	}
	return x402.Response{}, false
}
