package x402

import "encoding/json"

// Envelope error codes. The negative codes follow JSON-RPC conventions for
// framing faults; 1001 marks a settlement that failed after framing succeeded.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeSettleFailed   = 1001
)

// Request is the correlated message envelope: `{id, method, params}`. The id
// is opaque to the facilitator and echoed verbatim in the response.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is either `{id, result}` or `{id, error}`.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the `{code, message, data?}` error shape.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Ok builds a success response echoing the request id.
func Ok(id json.RawMessage, result any) Response {
	return Response{ID: id, Result: result}
}

// Fail builds an error response echoing the request id.
func Fail(id json.RawMessage, code int, message string, data any) Response {
	return Response{ID: id, Error: &ErrorBody{Code: code, Message: message, Data: data}}
}
