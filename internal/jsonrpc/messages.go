package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Kind classifies a decoded message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
)

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response. A missing id is encoded as null.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}
	return &Request{
		JSONRPCVersion: ProtocolVersion,
		Method:         method,
		Params:         raw,
	}, nil
}

// DecodeError describes a payload that is not a valid JSON-RPC 2.0 message.
// ID is set when the payload carried a parseable id, so the error response
// can still be correlated.
type DecodeError struct {
	ID     *RequestID
	Reason string
}

func (e *DecodeError) Error() string {
	return "invalid request: " + e.Reason
}

// Decode parses a single JSON-RPC message. Batches are rejected.
func Decode(data []byte) (*AnyMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	if trimmed[0] == '[' {
		return nil, &DecodeError{Reason: "batch requests are not supported"}
	}
	if trimmed[0] != '{' {
		return nil, &DecodeError{Reason: "payload must be a JSON object"}
	}

	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			if de.ID == nil {
				de.ID = salvageID(trimmed)
			}
			return nil, de
		}
		return nil, &DecodeError{ID: salvageID(trimmed), Reason: err.Error()}
	}
	return &msg, nil
}

// salvageID pulls the id out of an otherwise invalid object, if possible.
func salvageID(data []byte) *RequestID {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.ID) == 0 {
		return nil
	}
	var id RequestID
	if err := id.UnmarshalJSON(envelope.ID); err != nil || id.IsNil() {
		return nil
	}
	return &id
}

// UnmarshalJSON enforces JSON-RPC 2.0 envelope rules.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         *string         `json:"method,omitempty"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return &DecodeError{ID: raw.ID, Reason: fmt.Sprintf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)}
	}

	hasMethod := raw.Method != nil
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if hasMethod {
		if *raw.Method == "" {
			return &DecodeError{ID: raw.ID, Reason: "method must not be empty"}
		}
		if hasResult || hasError {
			return &DecodeError{ID: raw.ID, Reason: "request message cannot have result or error fields"}
		}
		if p := bytes.TrimSpace(raw.Params); len(p) > 0 && p[0] != '{' && p[0] != '[' && !bytes.Equal(p, []byte("null")) {
			return &DecodeError{ID: raw.ID, Reason: "params must be an object or array"}
		}
	} else {
		if hasResult && hasError {
			return &DecodeError{ID: raw.ID, Reason: "response message cannot have both result and error fields"}
		}
		if !hasResult && !hasError {
			return &DecodeError{ID: raw.ID, Reason: "message must have a method, result or error field"}
		}
	}

	m.JSONRPCVersion = raw.JSONRPCVersion
	if hasMethod {
		m.Method = *raw.Method
	}
	m.Params = raw.Params
	m.Result = raw.Result
	m.Error = raw.Error
	m.ID = raw.ID

	return nil
}

// Kind reports whether the message is a request, notification or response.
func (m *AnyMessage) Kind() Kind {
	if m.Method != "" {
		if m.ID.IsNil() {
			return KindNotification
		}
		return KindRequest
	}
	return KindResponse
}

// AsRequest returns the message as a Request if it is a request message, otherwise nil
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse returns the message as a Response if it is a response message, otherwise nil
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}

	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}
