package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ruaan-deysel/mcp-runtime/daemon/logger"
)

// Role distinguishes which side of the handshake a Peer plays: the
// Client side originates `initialize`, the Server side answers it.
// Both sides share the same engine; only initiation and capability
// gating differ.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Meta carries the recognized keys of a request's `_meta` object.
// Unknown keys are preserved verbatim: injectProgressToken merges
// progressToken into whatever `_meta` object the params already carry.
type Meta struct {
	ProgressToken json.RawMessage `json:"progressToken,omitempty"`
}

// SendOptions configures an outbound request.
type SendOptions struct {
	OnProgress      ProgressCallback
	Timeout         time.Duration
	ResetOnProgress bool
	MaxTotalTimeout time.Duration
	// RequiredCapability, if set, is checked against the peer's
	// advertised capabilities under client strict mode before sending.
	RequiredCapability string
}

// PendingSend is the handle returned by Peer.Send: the request-id plus a
// function to await its eventual outcome.
type PendingSend struct {
	ID     RequestID
	peer   *Peer
	await  *Awaiter
	cancel func(reason string)
}

// Result blocks until the request completes (response, timeout,
// cancellation, or disconnect) and returns the raw result bytes or error.
func (p *PendingSend) Result() (json.RawMessage, error) {
	return p.await.Wait()
}

// Cancel cancels this pending request: the engine removes it from the
// pending table, resumes the local awaiter with a cancellation error,
// and sends a `notifications/cancelled` to the peer.
func (p *PendingSend) Cancel(reason string) {
	p.cancel(reason)
}

// inflightHandler tracks a request handler goroutine so inbound
// cancellation and disconnect can cancel it.
type inflightHandler struct {
	cancel      context.CancelFunc
	suppressed  bool
	suppressMu  sync.Mutex
}

func (h *inflightHandler) suppress() {
	h.suppressMu.Lock()
	defer h.suppressMu.Unlock()
	h.suppressed = true
}

func (h *inflightHandler) isSuppressed() bool {
	h.suppressMu.Lock()
	defer h.suppressMu.Unlock()
	return h.suppressed
}

// Peer is a bidirectional JSON-RPC runtime instance: one side of an MCP
// connection, client or server, driven by a single Transport. It owns
// the pending-request table, handler registry, lifecycle state machine,
// and progress coordinator, and drives the receive loop.
type Peer struct {
	role      Role
	transport Transport
	registry  *Registry
	pending   *PendingTable
	progress  *ProgressCoordinator
	lifecycle *Lifecycle

	nextID int64
	idMu   sync.Mutex

	inflightMu sync.Mutex
	inflight   map[any]*inflightHandler

	batchMu      sync.Mutex
	batchBuf     [][]byte
	batching     bool

	selfInfo *Implementation

	teardownOnce       sync.Once
	transportCloseOnce sync.Once
	closed             chan struct{}
}

// NewPeer constructs a Peer bound to transport, with the given handler
// registry and lifecycle state machine. The registry and lifecycle are
// supplied rather than constructed internally so callers can share a
// registry across peers in tests, and so server/client construction
// sites control capability/strict-mode configuration directly.
func NewPeer(role Role, transport Transport, registry *Registry, lifecycle *Lifecycle, selfInfo *Implementation) *Peer {
	p := &Peer{
		role:      role,
		transport: transport,
		registry:  registry,
		pending:   NewPendingTable(),
		progress:  NewProgressCoordinator(),
		lifecycle: lifecycle,
		inflight:  make(map[any]*inflightHandler),
		selfInfo:  selfInfo,
		closed:    make(chan struct{}),
	}
	transport.SetMessageHandler(p.handleInbound)
	transport.SetCloseHandler(p.handleTransportClose)
	transport.SetErrorHandler(p.handleTransportError)
	return p
}

// Registry exposes the peer's handler registry for registration before Connect.
func (p *Peer) Registry() *Registry { return p.registry }

// Lifecycle exposes the peer's lifecycle state machine.
func (p *Peer) Lifecycle() *Lifecycle { return p.lifecycle }

// PendingCount reports the number of in-flight outbound requests, for metrics.
func (p *Peer) PendingCount() int { return p.pending.Len() }

func (p *Peer) nextRequestID() RequestID {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	p.nextID++
	return NewIntID(p.nextID)
}

// Connect starts the transport's receive loop. For a client-role peer it
// also drives the initialize handshake (send `initialize`, await the
// result, apply it, send `initialized`) and returns the negotiated
// result. For a server-role peer the handshake is driven by the inbound
// `initialize` request instead, so Connect just starts the loop.
func (p *Peer) Connect(ctx context.Context, clientInfo *Implementation, localCaps Capabilities, proposedVersion string) (*InitializeResult, error) {
	if err := p.transport.Start(ctx); err != nil {
		return nil, err
	}
	if p.role != RoleClient {
		return nil, nil
	}

	p.lifecycle.MarkInitializing()
	params := InitializeParams{ProtocolVersion: proposedVersion, Capabilities: localCaps, ClientInfo: clientInfo}
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return nil, NewError(InternalError, "encoding initialize params: "+err.Error())
	}
	send, err := p.sendRequest("initialize", paramsBytes, nil)
	if err != nil {
		return nil, err
	}
	raw, err := send.Result()
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewError(InternalError, "decoding initialize result: "+err.Error())
	}
	if err := p.lifecycle.CompleteClientInitialize(result); err != nil {
		return nil, err
	}
	if err := p.Notify("notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// Send transmits a request and returns a handle for awaiting its result.
// If opts requests progress tracking, a progress token is derived and
// injected into `_meta.progressToken` before transmission.
func (p *Peer) Send(method string, params json.RawMessage, opts *SendOptions) (*PendingSend, error) {
	if opts != nil && opts.RequiredCapability != "" {
		if err := p.lifecycle.CheckClientStrict(opts.RequiredCapability); err != nil {
			return nil, err
		}
	}
	return p.sendRequest(method, params, opts)
}

func (p *Peer) sendRequest(method string, params json.RawMessage, opts *SendOptions) (*PendingSend, error) {
	id := p.nextRequestID()

	if opts != nil && opts.OnProgress != nil {
		var controller *TimeoutController
		if opts.Timeout > 0 {
			controller = NewTimeoutController(opts.Timeout, opts.ResetOnProgress, opts.MaxTotalTimeout)
		}
		token := p.progress.Register(id, opts.OnProgress, controller)
		params = injectProgressToken(params, token)
	}

	awaiter, err := p.pending.Add(id)
	if err != nil {
		return nil, err
	}

	frame, err := EncodeRequest(Request{ID: id, Method: method, Params: params})
	if err != nil {
		p.pending.Remove(id)
		return nil, NewError(InternalError, "encoding request: "+err.Error())
	}

	if err := p.transmit(frame); err != nil {
		p.pending.Remove(id)
		return nil, err
	}

	ps := &PendingSend{ID: id, peer: p, await: awaiter}
	ps.cancel = func(reason string) { p.cancelOutbound(id, reason) }

	if opts != nil && opts.Timeout > 0 {
		go p.watchTimeout(id, opts.Timeout, opts.ResetOnProgress, opts.MaxTotalTimeout)
	}

	return ps, nil
}

// watchTimeout races against an externally-created TimeoutController
// registered in Register; it waits on the same deadline semantics by
// constructing its own controller tied to the request-id's completion.
func (p *Peer) watchTimeout(id RequestID, base time.Duration, reset bool, maxTotal time.Duration) {
	controller := NewTimeoutController(base, reset, maxTotal)
	defer controller.Stop()
	select {
	case <-controller.Done():
		p.timeoutOutbound(id)
	case <-p.closed:
	}
}

func (p *Peer) timeoutOutbound(id RequestID) {
	awaiter, ok := p.pending.Remove(id)
	if !ok {
		return
	}
	p.progress.Drop(id)
	awaiter.resultCh <- awaiterOutcome{err: NewError(ErrRequestTimeout, "request timed out")}
	_ = p.Notify("notifications/cancelled", mustMarshal(CancelledNotificationParams{RequestID: id, Reason: "timed out"}))
}

func (p *Peer) cancelOutbound(id RequestID, reason string) {
	awaiter, ok := p.pending.Remove(id)
	if !ok {
		return
	}
	p.progress.Drop(id)
	awaiter.resultCh <- awaiterOutcome{err: NewError(ErrCancelled, "request cancelled")}
	_ = p.Notify("notifications/cancelled", mustMarshal(CancelledNotificationParams{RequestID: id, Reason: reason}))
}

// Notify transmits a fire-and-forget notification.
func (p *Peer) Notify(method string, params json.RawMessage) error {
	frame, err := EncodeNotification(Notification{Method: method, Params: params})
	if err != nil {
		return NewError(InternalError, "encoding notification: "+err.Error())
	}
	return p.transmit(frame)
}

func (p *Peer) transmit(frame []byte) error {
	p.batchMu.Lock()
	if p.batching {
		p.batchBuf = append(p.batchBuf, frame)
		p.batchMu.Unlock()
		return nil
	}
	p.batchMu.Unlock()
	return p.transport.Send(context.Background(), frame)
}

// WithBatch collects every request/notification sent by fn into a single
// JSON array frame, emitted once fn returns. Each request's PendingSend
// still resolves independently when the corresponding response arrives.
func (p *Peer) WithBatch(fn func()) error {
	p.batchMu.Lock()
	if p.batching {
		p.batchMu.Unlock()
		fn()
		return nil
	}
	p.batching = true
	p.batchBuf = nil
	p.batchMu.Unlock()

	fn()

	p.batchMu.Lock()
	frames := p.batchBuf
	p.batchBuf = nil
	p.batching = false
	p.batchMu.Unlock()

	if len(frames) == 0 {
		return nil
	}
	return p.transport.Send(context.Background(), EncodeBatch(frames))
}

// Disconnect cancels all in-flight handlers, drains pending requests with
// a disconnected error, and closes the transport. Teardown and the
// transport Close call are each guarded so that Disconnect is safe to
// call both explicitly and as a reaction to the transport closing itself
// (handleTransportClose) without double-draining or double-closing.
func (p *Peer) Disconnect() error {
	p.teardownOnce.Do(p.teardown)
	var closeErr error
	p.transportCloseOnce.Do(func() { closeErr = p.transport.Close() })
	return closeErr
}

func (p *Peer) teardown() {
	close(p.closed)
	p.lifecycle.MarkDisconnected()

	p.inflightMu.Lock()
	handlers := p.inflight
	p.inflight = make(map[any]*inflightHandler)
	p.inflightMu.Unlock()
	for _, h := range handlers {
		h.cancel()
	}

	p.pending.DrainAll(NewError(ErrConnectionClosed, "peer disconnected"))
}

func (p *Peer) handleTransportClose() {
	p.teardownOnce.Do(p.teardown)
}

func (p *Peer) handleTransportError(err error) {
	logger.Error("mcp: transport error: %v", err)
}

// handleInbound is the receive-loop entry point: it is invoked by the
// transport for every inbound frame. Classification is attempted
// best-effort since some transports may deliver mixed kinds; parse
// failures are logged and, where an id was recoverable, answered with a
// ParseError response.
func (p *Peer) handleInbound(ctx context.Context, frame []byte) {
	c, err := Classify(frame)
	if err != nil {
		logger.Warning("mcp: dropping unparseable inbound message: %v", err)
		var probe struct {
			ID *RequestID `json:"id"`
		}
		if json.Unmarshal(frame, &probe) == nil && probe.ID != nil {
			p.sendErrorResponse(*probe.ID, err)
		}
		return
	}
	p.dispatch(ctx, c)
}

func (p *Peer) dispatch(ctx context.Context, c Classified) {
	switch c.Kind {
	case KindBatch:
		for _, item := range c.Batch {
			p.dispatch(ctx, item)
		}
	case KindResponse:
		p.handleResponse(*c.Response)
	case KindRequest:
		go p.handleRequest(ctx, *c.Request)
	case KindNotification:
		p.handleNotification(ctx, *c.Notification)
	default:
		logger.Warning("mcp: inbound message classified as unknown, dropping")
	}
}

func (p *Peer) handleResponse(r Response) {
	if r.Error != nil {
		p.progress.CompleteRequest(r.ID)
		p.pending.ResumeFailure(r.ID, &Error{Kind: r.Error.Code, Message: r.Error.Message})
		return
	}
	if taskID, ok := detectTaskID(r.Result); ok {
		p.progress.MigrateToTask(r.ID, taskID)
	} else {
		p.progress.CompleteRequest(r.ID)
	}
	p.pending.ResumeSuccess(r.ID, r.Result)
}

func (p *Peer) handleRequest(ctx context.Context, req Request) {
	if req.Method == "initialize" {
		p.handleInitializeRequest(ctx, req)
		return
	}
	if err := p.lifecycle.CheckServerStrict(req.Method); err != nil {
		p.sendErrorResponse(req.ID, err)
		return
	}
	if req.Method == "ping" {
		p.sendResultResponse(req.ID, json.RawMessage(`{}`))
		return
	}

	handler, ok := p.registry.Request(req.Method)
	if !ok {
		p.sendErrorResponse(req.ID, NewError(MethodNotFound, "no handler registered for "+req.Method))
		return
	}

	hctx, cancel := context.WithCancel(ctx)
	if token, ok := inboundProgressToken(req.Params); ok {
		hctx = withProgressReporter(hctx, &progressReporter{peer: p, token: token})
	}
	h := &inflightHandler{cancel: cancel}
	p.inflightMu.Lock()
	p.inflight[req.ID.Key()] = h
	p.inflightMu.Unlock()
	defer func() {
		p.inflightMu.Lock()
		delete(p.inflight, req.ID.Key())
		p.inflightMu.Unlock()
	}()

	result, err := p.invokeHandler(hctx, handler, req.Params)

	if h.isSuppressed() {
		return
	}
	if err != nil {
		p.sendErrorResponse(req.ID, err)
		return
	}
	p.sendResultResponse(req.ID, result)
}

// invokeHandler runs handler with a recover boundary: a panic is
// converted to InternalError rather than crashing the receive loop.
func (p *Peer) invokeHandler(ctx context.Context, handler RequestHandler, params json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(InternalError, "handler panicked")
		}
	}()
	return handler(ctx, params)
}

func (p *Peer) handleInitializeRequest(ctx context.Context, req Request) {
	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sendErrorResponse(req.ID, NewError(InvalidParams, "invalid initialize params: "+err.Error()))
		return
	}
	result, err := p.lifecycle.HandleInitialize(params, p.selfInfo)
	if err != nil {
		p.sendErrorResponse(req.ID, err)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		p.sendErrorResponse(req.ID, NewError(InternalError, "encoding initialize result: "+err.Error()))
		return
	}
	p.sendResultResponse(req.ID, raw)
}

func (p *Peer) handleNotification(ctx context.Context, n Notification) {
	switch n.Method {
	case "notifications/cancelled":
		var params CancelledNotificationParams
		if err := json.Unmarshal(n.Params, &params); err == nil {
			p.cancelInbound(params.RequestID)
		}
		return
	case "notifications/progress":
		var params ProgressNotificationParams
		if err := json.Unmarshal(n.Params, &params); err == nil {
			var tok string
			_ = json.Unmarshal(params.ProgressToken, &tok)
			if tok == "" {
				tok = string(params.ProgressToken)
			}
			p.progress.HandleProgress(tok, params.Progress, params.Total, params.Message)
		}
		return
	case "notifications/tasks/status":
		var params TaskStatusParams
		if err := json.Unmarshal(n.Params, &params); err == nil {
			p.progress.HandleTaskStatus(params.TaskID, params.Status)
		}
		return
	}
	p.registry.Dispatch(ctx, n.Method, n.Params)
}

// cancelInbound cancels the in-flight handler for id, if known, and
// suppresses its eventual response. If unknown or already completed,
// this is a no-op per spec.
func (p *Peer) cancelInbound(id RequestID) {
	p.inflightMu.Lock()
	h, ok := p.inflight[id.Key()]
	p.inflightMu.Unlock()
	if !ok {
		return
	}
	h.suppress()
	h.cancel()
}

func (p *Peer) sendResultResponse(id RequestID, result json.RawMessage) {
	frame, err := EncodeResponse(Response{ID: id, Result: result})
	if err != nil {
		logger.Error("mcp: encoding response for %s: %v", id.String(), err)
		return
	}
	if err := p.transmit(frame); err != nil {
		logger.Error("mcp: sending response for %s: %v", id.String(), err)
	}
}

func (p *Peer) sendErrorResponse(id RequestID, err error) {
	frame, encErr := EncodeResponse(Response{ID: id, Error: ToErrorObject(err)})
	if encErr != nil {
		logger.Error("mcp: encoding error response for %s: %v", id.String(), encErr)
		return
	}
	if sendErr := p.transmit(frame); sendErr != nil {
		logger.Error("mcp: sending error response for %s: %v", id.String(), sendErr)
	}
}

func injectProgressToken(params json.RawMessage, token string) json.RawMessage {
	var obj map[string]json.RawMessage
	if len(params) == 0 {
		obj = make(map[string]json.RawMessage)
	} else if err := json.Unmarshal(params, &obj); err != nil {
		obj = make(map[string]json.RawMessage)
	}
	meta := make(map[string]json.RawMessage)
	if existing, ok := obj["_meta"]; ok {
		_ = json.Unmarshal(existing, &meta)
	}
	tokenRaw, _ := json.Marshal(token)
	meta["progressToken"] = tokenRaw
	metaRaw, _ := json.Marshal(meta)
	obj["_meta"] = metaRaw
	raw, _ := json.Marshal(obj)
	return raw
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// inboundProgressToken extracts `_meta.progressToken` from an inbound
// request's params, if present, so the handler invoked for that request
// can report progress back to the requester.
func inboundProgressToken(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var m struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &m); err != nil || len(m.Meta.ProgressToken) == 0 {
		return "", false
	}
	var token string
	if err := json.Unmarshal(m.Meta.ProgressToken, &token); err == nil {
		return token, true
	}
	return string(m.Meta.ProgressToken), true
}

// progressReporter lets a request handler emit `notifications/progress`
// for the request it is currently handling, addressed by the progress
// token the requester supplied.
type progressReporter struct {
	peer  *Peer
	token string
}

func (r *progressReporter) report(progress float64, total *float64, message string) error {
	params := ProgressNotificationParams{
		ProgressToken: mustMarshal(r.token),
		Progress:      progress,
		Total:         total,
		Message:       message,
	}
	return r.peer.Notify("notifications/progress", mustMarshal(params))
}

type progressReporterKey struct{}

func withProgressReporter(ctx context.Context, r *progressReporter) context.Context {
	return context.WithValue(ctx, progressReporterKey{}, r)
}

// ReportProgress emits a `notifications/progress` notification for the
// request currently being handled in ctx, if its caller supplied a
// progress token. It is a no-op (returning nil) when no token was
// supplied, so handlers can call it unconditionally.
func ReportProgress(ctx context.Context, progress float64, total *float64, message string) error {
	r, ok := ctx.Value(progressReporterKey{}).(*progressReporter)
	if !ok {
		return nil
	}
	return r.report(progress, total, message)
}
