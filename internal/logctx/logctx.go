// Package logctx attaches log attributes to a context.Context. Wrap a
// slog.Handler in Handler and each record logged with that context gains one
// group per attached value, in a fixed order: req, sess, rpc, tool, event.
package logctx

import (
	"context"
	"log/slog"
)

type key int

const (
	requestKey key = iota
	sessionKey
	rpcKey
	toolKey
	eventKey
)

var groups = [...]struct {
	key  key
	name string
}{
	{requestKey, "req"},
	{sessionKey, "sess"},
	{rpcKey, "rpc"},
	{toolKey, "tool"},
	{eventKey, "event"},
}

// Handler decorates records with the groups carried on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	for _, g := range groups {
		if v, ok := ctx.Value(g.key).(slog.LogValuer); ok {
			r.AddAttrs(slog.Attr{Key: g.name, Value: v.LogValue()})
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup keep the wrapper in place so derived loggers still
// pick up context groups.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

func with(ctx context.Context, k key, v slog.LogValuer) context.Context {
	return context.WithValue(ctx, k, v)
}

// nonEmpty drops attributes with empty string values.
func nonEmpty(attrs ...slog.Attr) slog.Value {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
			continue
		}
		out = append(out, a)
	}
	return slog.GroupValue(out...)
}

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

func (d RequestData) LogValue() slog.Value {
	return nonEmpty(
		slog.String("id", d.RequestID),
		slog.String("method", d.Method),
		slog.String("path", d.Path),
		slog.String("remote_addr", d.RemoteAddr),
		slog.String("user_agent", d.UserAgent),
	)
}

func WithRequestData(ctx context.Context, d *RequestData) context.Context {
	if d == nil {
		return ctx
	}
	return with(ctx, requestKey, *d)
}

// SessionData identifies the session and, once authenticated, its owner.
type SessionData struct {
	SessionID string
	UserID    string
	Role      string
}

func (d SessionData) LogValue() slog.Value {
	return nonEmpty(
		slog.String("id", d.SessionID),
		slog.String("user_id", d.UserID),
		slog.String("role", d.Role),
	)
}

func WithSessionData(ctx context.Context, d *SessionData) context.Context {
	if d == nil {
		return ctx
	}
	return with(ctx, sessionKey, *d)
}

// RPCMessage describes the JSON-RPC message being handled. ID is empty for
// notifications.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func (d RPCMessage) LogValue() slog.Value {
	return nonEmpty(
		slog.String("method", d.Method),
		slog.String("id", d.ID),
		slog.String("type", d.Type),
	)
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	if msg == nil {
		return ctx
	}
	return with(ctx, rpcKey, *msg)
}

type ToolCallData struct {
	ToolName string
}

func (d ToolCallData) LogValue() slog.Value {
	return slog.GroupValue(slog.String("name", d.ToolName))
}

func WithToolCallData(ctx context.Context, d *ToolCallData) context.Context {
	if d == nil {
		return ctx
	}
	return with(ctx, toolKey, *d)
}

// EventData describes a domain event being fanned out. Resource is empty for
// events sent to every session.
type EventData struct {
	Resource string
	Name     string
}

func (d EventData) LogValue() slog.Value {
	return nonEmpty(
		slog.String("resource", d.Resource),
		slog.String("name", d.Name),
	)
}

func WithEventData(ctx context.Context, d *EventData) context.Context {
	if d == nil {
		return ctx
	}
	return with(ctx, eventKey, *d)
}
