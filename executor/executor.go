// Package executor defines the contract between the gateway and the booking
// domain. The gateway never interprets tool calls; it hands them, together
// with the caller's identity, to an Executor.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/invopop/jsonschema"
)

var (
	// ErrUnknownTool is returned by Execute for names not in Tools().
	ErrUnknownTool = errors.New("unknown tool")
	// ErrForbidden is returned when the caller lacks the tool's scope.
	ErrForbidden = errors.New("forbidden")
)

// Descriptor advertises one callable tool.
type Descriptor struct {
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	RequiredScope string             `json:"requiredScope,omitempty"`
	InputSchema   *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// Executor runs booking tools on behalf of an authenticated caller.
type Executor interface {
	// Tools lists the callable tools. The gateway reads it once at startup.
	Tools() []Descriptor
	// Execute runs name with the raw JSON arguments. The result must be JSON
	// serializable.
	Execute(ctx context.Context, name string, args json.RawMessage, ident *auth.Identity) (any, error)
}

// Error lets an executor pick the JSON-RPC error code reported to the client.
// Codes outside the invalid-params code and the -32099..-32000 server range
// are reported as internal errors.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("executor error %d: %s", e.Code, e.Message)
}

// CodeInvalidParams is the JSON-RPC invalid params code.
const CodeInvalidParams = -32602

// InvalidParams builds an *Error reporting bad arguments.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}
