// Package dispatch routes inbound JSON-RPC messages for a session: it
// validates the envelope, answers the built-in subscription methods, and
// runs tool calls on the session's ordered queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/ggoodman/booking-gateway/executor"
	"github.com/ggoodman/booking-gateway/internal/jsonrpc"
	"github.com/ggoodman/booking-gateway/internal/logctx"
	"github.com/ggoodman/booking-gateway/internal/metrics"
	"github.com/ggoodman/booking-gateway/internal/sessionqueue"
	"github.com/ggoodman/booking-gateway/sessions"
)

// Built-in methods answered without the executor.
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// DefaultSyncTimeout bounds how long an idle session's POST waits for its
// result before the response is pushed over the stream instead.
const DefaultSyncTimeout = 25 * time.Second

// Result is the outcome of handling one inbound payload.
type Result struct {
	// Response is returned in the POST body. Nil for notifications and for
	// deferred requests.
	Response *jsonrpc.Response
	// Deferred is set when the response will arrive over the session's
	// stream.
	Deferred bool
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	exec        executor.Executor
	methods     map[string]executor.Descriptor
	queue       *sessionqueue.Queue[*call]
	log         *slog.Logger
	metrics     *metrics.Metrics
	syncTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*config)

type config struct {
	log         *slog.Logger
	metrics     *metrics.Metrics
	depth       int
	syncTimeout time.Duration
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithQueueDepth bounds pending tool calls per session.
func WithQueueDepth(n int) Option {
	return func(c *config) { c.depth = n }
}

// WithSyncTimeout sets how long a POST waits for its own result.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *config) { c.syncTimeout = d }
}

// New builds a Dispatcher. The method table is read from exec once.
func New(exec executor.Executor, opts ...Option) (*Dispatcher, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	cfg := config{depth: sessionqueue.DefaultDepth, syncTimeout: DefaultSyncTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	d := &Dispatcher{
		exec:        exec,
		methods:     make(map[string]executor.Descriptor),
		log:         cfg.log,
		metrics:     cfg.metrics,
		syncTimeout: cfg.syncTimeout,
	}
	for _, t := range exec.Tools() {
		if t.Name == MethodSubscribe || t.Name == MethodUnsubscribe {
			d.log.Warn("dispatch.tool.shadowed", slog.String("tool", t.Name))
			continue
		}
		d.methods[t.Name] = t
	}
	d.queue = sessionqueue.New(d.runCall, sessionqueue.WithDepth(cfg.depth), sessionqueue.WithLogger(cfg.log))
	return d, nil
}

// Methods returns the descriptors in the method table.
func (d *Dispatcher) Methods() []executor.Descriptor {
	out := make([]executor.Descriptor, 0, len(d.methods))
	for _, t := range d.methods {
		out = append(out, t)
	}
	return out
}

// call is one queued tool invocation.
type call struct {
	ctx   context.Context
	sess  *sessions.Session
	ident *auth.Identity
	req   *jsonrpc.Request

	mu        sync.Mutex
	waiter    chan *jsonrpc.Response
	abandoned bool
}

// Handle processes one payload received for sess.
func (d *Dispatcher) Handle(ctx context.Context, sess *sessions.Session, raw []byte) Result {
	msg, ok, res := d.decode(ctx, raw)
	if !ok {
		return res
	}
	req := msg.AsRequest()
	isNotification := msg.Kind() == jsonrpc.KindNotification
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: string(msg.Kind())})

	switch req.Method {
	case MethodSubscribe, MethodUnsubscribe:
		resp := d.handleSubscription(ctx, sess, req)
		if isNotification {
			return Result{}
		}
		return Result{Response: resp}
	}

	if _, known := d.methods[req.Method]; !known {
		d.metrics.RPC(metrics.OutcomeMethodNotFound)
		d.log.InfoContext(ctx, "rpc.method.unknown")
		if isNotification {
			return Result{}
		}
		return Result{Response: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)}
	}

	// The identity travels with the session it was authenticated for, so a
	// call always runs as the connection that carried it even while a
	// replacement stream for the same ID is being set up.
	c := &call{
		ctx:   context.WithoutCancel(ctx),
		sess:  sess,
		ident: sess.Identity(),
		req:   req,
	}
	if !isNotification {
		c.waiter = make(chan *jsonrpc.Response, 1)
	}

	busy, err := d.queue.Enqueue(sess.ID(), c)
	if err != nil {
		d.metrics.RPC(metrics.OutcomeBusy)
		d.metrics.QueueRejected()
		d.log.WarnContext(ctx, "rpc.queue.reject", slog.String("err", err.Error()))
		if isNotification {
			return Result{}
		}
		text := "server busy"
		if errors.Is(err, sessionqueue.ErrClosed) {
			text = "server shutting down"
		}
		return Result{Response: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerBusy, text, nil)}
	}
	if isNotification {
		return Result{}
	}
	if busy {
		if resp := c.abandon(); resp != nil {
			return Result{Response: resp}
		}
		return Result{Deferred: true}
	}

	timer := time.NewTimer(d.syncTimeout)
	defer timer.Stop()
	select {
	case resp := <-c.waiter:
		return Result{Response: resp}
	case <-timer.C:
	case <-ctx.Done():
	}
	if resp := c.abandon(); resp != nil {
		return Result{Response: resp}
	}
	d.log.InfoContext(ctx, "rpc.response.deferred")
	return Result{Deferred: true}
}

// abandon detaches the waiting POST. If the response raced in first it is
// returned so the caller can still reply synchronously.
func (c *call) abandon() *jsonrpc.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandoned = true
	if c.waiter == nil {
		return nil
	}
	select {
	case resp := <-c.waiter:
		return resp
	default:
		return nil
	}
}

// deliver hands resp to the waiting POST if there still is one, and reports
// whether it did.
func (c *call) deliver(resp *jsonrpc.Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiter == nil || c.abandoned {
		return false
	}
	c.waiter <- resp
	return true
}

func (d *Dispatcher) runCall(_ string, c *call) {
	ctx := logctx.WithToolCallData(c.ctx, &logctx.ToolCallData{ToolName: c.req.Method})
	resp := d.execute(ctx, c.ident, c.req)
	if resp == nil || c.deliver(resp) {
		return
	}
	d.push(ctx, c.sess, resp)
}

// push sends resp over the session stream. Failures are logged; the stream
// tears itself down on write errors.
func (d *Dispatcher) push(ctx context.Context, sess *sessions.Session, resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		d.log.ErrorContext(ctx, "rpc.response.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := sess.Send(ctx, b); err != nil {
		d.log.WarnContext(ctx, "rpc.response.drop", slog.String("err", err.Error()))
	}
}

// execute runs a tool call and converts the outcome to a response. It
// returns nil for notifications.
func (d *Dispatcher) execute(ctx context.Context, ident *auth.Identity, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "rpc.execute.panic", slog.String("panic", fmt.Sprint(r)))
			d.metrics.RPC(metrics.OutcomeInternalError)
			resp = nil
			if !req.ID.IsNil() {
				resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error: "+fmt.Sprint(r), nil)
			}
		}
	}()

	result, err := d.exec.Execute(ctx, req.Method, req.Params, ident)
	d.metrics.ObserveCall(req.Method, time.Since(start))
	if err != nil {
		code, message, data := errorFor(err)
		d.metrics.RPC(outcomeFor(code))
		d.log.InfoContext(ctx, "rpc.execute.fail", slog.Int("code", int(code)), slog.String("err", err.Error()))
		if req.ID.IsNil() {
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, code, message, data)
	}
	if req.ID.IsNil() {
		d.metrics.RPC(metrics.OutcomeOK)
		return nil
	}
	resp, err = jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		d.metrics.RPC(metrics.OutcomeInternalError)
		d.log.ErrorContext(ctx, "rpc.result.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error: result is not serializable", nil)
	}
	d.metrics.RPC(metrics.OutcomeOK)
	return resp
}

// errorFor maps an executor error to a JSON-RPC error. Executors may choose
// the invalid params code or a code in the server range; everything else is
// an internal error carrying the error text.
func errorFor(err error) (jsonrpc.ErrorCode, string, any) {
	var ee *executor.Error
	if errors.As(err, &ee) {
		code := jsonrpc.ErrorCode(ee.Code)
		if code == jsonrpc.ErrorCodeInvalidParams || (code >= -32099 && code <= -32000) {
			return code, ee.Message, ee.Data
		}
		return jsonrpc.ErrorCodeInternalError, ee.Message, ee.Data
	}
	return jsonrpc.ErrorCodeInternalError, err.Error(), nil
}

func outcomeFor(code jsonrpc.ErrorCode) string {
	switch code {
	case jsonrpc.ErrorCodeInvalidParams:
		return metrics.OutcomeInvalidParams
	case jsonrpc.ErrorCodeInternalError:
		return metrics.OutcomeInternalError
	default:
		return metrics.OutcomeToolError
	}
}

// decode validates the envelope. When ok is false, res is the reply to send.
func (d *Dispatcher) decode(ctx context.Context, raw []byte) (*jsonrpc.AnyMessage, bool, Result) {
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		var id *jsonrpc.RequestID
		var de *jsonrpc.DecodeError
		if errors.As(err, &de) {
			id = de.ID
		}
		d.metrics.RPC(metrics.OutcomeInvalidRequest)
		d.log.InfoContext(ctx, "rpc.inbound.invalid", slog.String("err", err.Error()))
		return nil, false, Result{Response: jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil)}
	}
	if msg.Kind() == jsonrpc.KindResponse {
		// The gateway never issues requests to clients.
		d.log.InfoContext(ctx, "rpc.inbound.response.ignored", slog.String("id", msg.ID.String()))
		return nil, false, Result{}
	}
	return msg, true, Result{}
}

type subscriptionParams struct {
	Resource string `json:"resource"`
}

func (d *Dispatcher) handleSubscription(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var p subscriptionParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &p) != nil || p.Resource == "" {
		d.metrics.RPC(metrics.OutcomeInvalidParams)
		d.log.InfoContext(ctx, "rpc.subscription.invalid")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, `params must be {"resource": "<name>"}`, nil)
	}

	var ack map[string]string
	if req.Method == MethodSubscribe {
		sess.Subscribe(p.Resource)
		ack = map[string]string{"subscribed": p.Resource}
	} else {
		sess.Unsubscribe(p.Resource)
		ack = map[string]string{"unsubscribed": p.Resource}
	}
	d.metrics.RPC(metrics.OutcomeOK)
	d.log.InfoContext(ctx, "rpc.subscription.ok", slog.String("resource", p.Resource))

	resp, err := jsonrpc.NewResultResponse(req.ID, ack)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

// HandleStateless runs a single call outside any session. Subscriptions are
// rejected because there is no stream to deliver events to.
func (d *Dispatcher) HandleStateless(ctx context.Context, ident *auth.Identity, raw []byte) Result {
	msg, ok, res := d.decode(ctx, raw)
	if !ok {
		return res
	}
	req := msg.AsRequest()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: string(msg.Kind())})

	if req.Method == MethodSubscribe || req.Method == MethodUnsubscribe {
		d.metrics.RPC(metrics.OutcomeInvalidRequest)
		if req.ID.IsNil() {
			return Result{}
		}
		return Result{Response: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "subscriptions require an open stream", nil)}
	}
	if _, known := d.methods[req.Method]; !known {
		d.metrics.RPC(metrics.OutcomeMethodNotFound)
		d.log.InfoContext(ctx, "rpc.method.unknown")
		if req.ID.IsNil() {
			return Result{}
		}
		return Result{Response: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)}
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Method})
	return Result{Response: d.execute(ctx, ident, req)}
}

// Close stops accepting tool calls and waits for queued ones to finish.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.queue.Close()
	return d.queue.Wait(ctx)
}
