// Package gateway exposes the facilitator over HTTP and WebSocket with
// identical semantics: the same supported/verify/settle core answers both, and
// the WebSocket additionally hosts the streaming session protocol.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tomu-sh/x402-stream/internal/facilitator"
	"github.com/tomu-sh/x402-stream/internal/stream"
	"github.com/tomu-sh/x402-stream/internal/x402"
)

// Server wires the gin routes to the facilitator core.
type Server struct {
	fac   *facilitator.Facilitator
	terms stream.Terms
	log   *zap.Logger
}

func NewServer(fac *facilitator.Facilitator, terms stream.Terms, log *zap.Logger) *Server {
	return &Server{fac: fac, terms: terms, log: log}
}

// Register mounts all routes.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/supported", s.getSupported)
	r.POST("/verify", s.postVerify)
	r.POST("/settle", s.postSettle)
	r.GET("/ws", s.serveWS)
}

func (s *Server) getSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.fac.Supported())
}

func (s *Server) postVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	resp, err := s.fac.Verify(c.Request.Context(), &req)
	if err != nil {
		s.log.Warn("verify failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "verification unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) postSettle(c *gin.Context) {
	var req x402.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	resp, err := s.fac.Settle(c.Request.Context(), &req)
	if err != nil {
		s.log.Error("settle failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "settlement unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}
