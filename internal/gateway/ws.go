package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tomu-sh/x402-stream/internal/stream"
	"github.com/tomu-sh/x402-stream/internal/x402"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The facilitator protocol carries its own payment authentication.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes writes to one websocket connection. gorilla/websocket
// allows a single concurrent writer; every stream actor and the read loop
// funnel through Send.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	log  *zap.Logger
}

func (w *wsConn) writeJSON(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(v); err != nil {
		w.log.Debug("ws write failed", zap.Error(err))
	}
}

// Send implements stream.Sender: it maps an Outbound onto the wire envelope.
func (w *wsConn) Send(out stream.Outbound) {
	switch {
	case out.Err != nil:
		w.writeJSON(x402.Response{ID: out.ReplyTo, Error: out.Err})
	case out.ReplyTo != nil:
		// Response body carries the protocol method so buyers can switch on
		// it: {id, result:{method, params}}.
		w.writeJSON(x402.Response{ID: out.ReplyTo, Result: gin.H{
			"method": out.Method,
			"params": out.Params,
		}})
	default:
		id, _ := json.Marshal(uuid.New().String())
		w.writeJSON(struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params any             `json:"params"`
		}{ID: id, Method: out.Method, Params: out.Params})
	}
}

// serveWS upgrades the connection and runs the read loop. Each connection
// owns a stream.Hub; its sessions end when the connection drops.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sink := &wsConn{conn: conn, log: s.log}
	hub := stream.NewHub(s.fac, s.terms, sink, s.log)
	defer hub.Close()

	ctx := c.Request.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req x402.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			sink.writeJSON(x402.Fail(nil, x402.CodeParseError, "invalid JSON envelope", nil))
			continue
		}
		if req.Method == "" {
			sink.writeJSON(x402.Fail(req.ID, x402.CodeInvalidRequest, "missing method", nil))
			continue
		}

		if resp, ok := s.dispatchFacilitator(ctx, req); ok {
			sink.writeJSON(resp)
			continue
		}
		if stream.Handles(req.Method) {
			hub.Dispatch(req)
			continue
		}
		sink.writeJSON(x402.Fail(req.ID, x402.CodeMethodNotFound, "method not found", nil))
	}
}
