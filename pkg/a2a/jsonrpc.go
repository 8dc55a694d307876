package a2a

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC methods. The legacy dialect predates the message/* methods;
// tasks/cancel is shared by both.
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
	MethodTasksCancel   = "tasks/cancel"

	MethodLegacySend          = "tasks/send"
	MethodLegacySendSubscribe = "tasks/sendSubscribe"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request envelope. The ID correlates a
// request/response pair at a single hop only; the logical task id lives
// inside the params.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request envelope, marshaling params.
func NewRequest(id any, method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response envelope, marshaling the result.
func NewResponse(id any, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response envelope.
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// ParseRequest decodes and validates a request envelope.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if req.JSONRPC != "2.0" {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "jsonrpc must be \"2.0\""}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "method is required"}
	}
	return &req, nil
}

// ParseResponse decodes a response envelope.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC response: %w", err)
	}
	return &resp, nil
}

// SendParams decodes the request params as MessageSendParams.
func (r *Request) SendParams() (*MessageSendParams, error) {
	var params MessageSendParams
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if len(params.Message.Parts) == 0 {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "message.parts must not be empty"}
	}
	return &params, nil
}

// CancelParams decodes the request params as TaskIDParams.
func (r *Request) CancelParams() (*TaskIDParams, error) {
	var params TaskIDParams
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if params.ID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "params.id is required"}
	}
	return &params, nil
}
