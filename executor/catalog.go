package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/invopop/jsonschema"
)

// ReservedNames are method names the gateway answers itself.
var ReservedNames = []string{"subscribe", "unsubscribe"}

// ToolFunc handles one tool invocation with decoded arguments.
type ToolFunc[A any] func(ctx context.Context, ident *auth.Identity, args A) (any, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor Descriptor
	handle     func(ctx context.Context, raw json.RawMessage, ident *auth.Identity) (any, error)
}

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	requiredScope             string
	allowAdditionalProperties bool
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithRequiredScope rejects callers whose identity lacks scope.
func WithRequiredScope(scope string) ToolOption {
	return func(c *toolConfig) { c.requiredScope = scope }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// accepted. When false (default) the schema sets additionalProperties=false
// and decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a Tool whose input schema is reflected from A, which must
// be a named struct type.
func NewTool[A any](name string, fn ToolFunc[A], opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: cfg.allowAdditionalProperties,
	}
	schema := r.Reflect(new(A))
	schema.Version = ""

	handle := func(ctx context.Context, raw json.RawMessage, ident *auth.Identity) (any, error) {
		if cfg.requiredScope != "" && !ident.HasScope(cfg.requiredScope) {
			return nil, fmt.Errorf("%w: %s requires scope %q", ErrForbidden, name, cfg.requiredScope)
		}
		var a A
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return nil, InvalidParams("invalid arguments: %v", err)
			}
		}
		return fn(ctx, ident, a)
	}

	return Tool{
		Descriptor: Descriptor{
			Name:          name,
			Description:   cfg.description,
			RequiredScope: cfg.requiredScope,
			InputSchema:   schema,
		},
		handle: handle,
	}
}

// Catalog is an in-process Executor backed by typed tools.
type Catalog struct {
	mu       sync.RWMutex
	tools    []Descriptor
	handlers map[string]Tool
}

// NewCatalog returns a Catalog holding tools. Names must be unique and must
// not collide with ReservedNames.
func NewCatalog(tools ...Tool) (*Catalog, error) {
	c := &Catalog{handlers: make(map[string]Tool)}
	for _, t := range tools {
		if err := c.Add(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers another tool.
func (c *Catalog) Add(t Tool) error {
	name := t.Descriptor.Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if slices.Contains(ReservedNames, name) {
		return fmt.Errorf("tool name %q is reserved", name)
	}
	if t.handle == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.handlers[name]; dup {
		return fmt.Errorf("duplicate tool %q", name)
	}
	c.handlers[name] = t
	c.tools = append(c.tools, t.Descriptor)
	return nil
}

func (c *Catalog) Tools() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Descriptor(nil), c.tools...)
}

func (c *Catalog) Execute(ctx context.Context, name string, args json.RawMessage, ident *auth.Identity) (any, error) {
	c.mu.RLock()
	t, ok := c.handlers[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.handle(ctx, args, ident)
}
