// Package mcp implements the core runtime of a Model Context Protocol peer.
// This file implements the Streamable HTTP transport (MCP spec 2025-06-18):
// a single endpoint accepting POST (requests/notifications), GET (the
// standalone SSE stream), and DELETE (session termination), with resumable
// per-stream event replay via Last-Event-ID.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ruaan-deysel/mcp-runtime/daemon/domain"
	"github.com/ruaan-deysel/mcp-runtime/daemon/logger"
)

// errMissingSessionID is resolveSession's sentinel for a non-initialize
// request with no Mcp-Session-Id header, distinguished from an unknown
// session id so handlePost can report 400 rather than 404.
var errMissingSessionID = errors.New("missing Mcp-Session-Id header")

// relatedRequestMeta is the subset of an outbound notification's `_meta`
// object this transport inspects to route it onto the SSE stream of the
// request it was raised during, per the server-initiated-message
// correlation convention (`_meta.relatedRequestId`).
type relatedRequestMeta struct {
	Params struct {
		Meta struct {
			RelatedRequestID *RequestID `json:"relatedRequestId"`
		} `json:"_meta"`
	} `json:"params"`
}

// streamableState holds the shared configuration and session table for a
// Streamable HTTP endpoint. Both the stateful and stateless variants
// (stateless.go) wrap this type.
type streamableState struct {
	registry    *Registry
	selfInfo    *Implementation
	versions    []string
	strictMode  bool
	initHook    InitializeHook

	stateful bool
	sessions *sessionManager

	originAllow map[string]bool

	postValidators []Validator
	getValidators  []Validator

	hub *domain.EventBus
}

// ServerOptions configures a StreamableHTTPTransport.
type ServerOptions struct {
	SupportedVersions  []string
	StrictMode         bool
	InitializeHook     InitializeHook
	AllowedOrigins     []string
	MaxEventsPerStream int

	// Hub, if set, receives a domain.SessionEvent on domain.SessionTopic
	// each time a session is created or terminated, for observers such as
	// the metrics updater to subscribe to without the transport needing
	// to know about them directly.
	Hub *domain.EventBus
}

func publishSessionEvent(hub *domain.EventBus, sessionID string, kind domain.SessionEventKind) {
	if hub == nil {
		return
	}
	domain.Publish(hub, domain.SessionTopic, domain.SessionEvent{SessionID: sessionID, Kind: kind})
}

// StreamableHTTPTransport is the http.Handler implementing the MCP
// Streamable HTTP transport. One instance serves every session: each
// session gets its own Peer (own lifecycle, own pending table) but all
// sessions share the same handler Registry.
type StreamableHTTPTransport struct {
	state *streamableState
}

// NewStreamableHTTPTransport constructs a stateful Streamable HTTP
// transport: sessions are created on `initialize` and identified by the
// `Mcp-Session-Id` header thereafter.
func NewStreamableHTTPTransport(registry *Registry, selfInfo *Implementation, opts ServerOptions) *StreamableHTTPTransport {
	allow := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allow[o] = true
	}
	versions := opts.SupportedVersions
	if len(versions) == 0 {
		versions = supportedProtocolVersions
	}
	st := &streamableState{
		registry:    registry,
		selfInfo:    selfInfo,
		versions:    versions,
		strictMode:  opts.StrictMode,
		initHook:    opts.InitializeHook,
		stateful:    true,
		sessions:    newSessionManager(opts.MaxEventsPerStream),
		originAllow: allow,
		hub:         opts.Hub,
	}
	st.postValidators = []Validator{
		contentTypeValidator,
		acceptBothValidator("application/json", "text/event-stream"),
		protocolVersionValidator,
		sessionValidator,
		originValidator(allow),
	}
	st.getValidators = []Validator{acceptHeaderValidator("text/event-stream"), protocolVersionValidator, sessionValidator, originValidator(allow)}
	return &StreamableHTTPTransport{state: st}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-ID")
	w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
}

// Handler returns the http.HandlerFunc to mount on the MCP endpoint.
func (t *StreamableHTTPTransport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			t.state.handlePost(w, r)
		case http.MethodGet:
			t.state.handleGet(w, r)
		case http.MethodDelete:
			t.state.handleDelete(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// SessionCount reports the number of live sessions, for metrics.
func (t *StreamableHTTPTransport) SessionCount() int { return t.state.sessions.count() }

// PendingCount sums outbound-request counts across every session's Peer,
// for metrics.
func (t *StreamableHTTPTransport) PendingCount() int { return t.state.sessions.pendingTotal() }

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// newPeerForSession builds the Peer bound to sess's transport, installing
// a fresh per-session Lifecycle. Called once per session: on the
// session's first `initialize` request in the stateful transport, and at
// construction for the stateless transport's single internal session.
func (s *streamableState) newPeerForSession(sess *session) *Peer {
	lifecycle := NewLifecycle(s.versions, Capabilities{}, s.strictMode)
	if s.initHook != nil {
		lifecycle.SetInitializeHook(s.initHook)
	}
	pt := &peerTransport{sess: sess}
	return NewPeer(RoleServer, pt, s.registry, lifecycle, s.selfInfo)
}

func (s *streamableState) handlePost(w http.ResponseWriter, r *http.Request) {
	if !runValidators(w, r, s, s.postValidators) {
		return
	}
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	c, err := Classify(body)
	if err != nil {
		http.Error(w, "malformed json-rpc message", http.StatusBadRequest)
		return
	}

	clientSessionID := r.Header.Get("Mcp-Session-Id")
	sess, isNewSession, err := s.resolveSession(clientSessionID, c)
	if err != nil {
		if errors.Is(err, errMissingSessionID) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, err.Error(), http.StatusNotFound)
		}
		return
	}

	if isNewSession {
		w.Header().Set("Mcp-Session-Id", sess.id)
		logger.Debug("mcp: streamable HTTP session established: %s", sess.id)
	} else if sess.id != "" {
		w.Header().Set("Mcp-Session-Id", sess.id)
	}

	switch c.Kind {
	case KindNotification, KindResponse:
		sess.peer.handleInbound(r.Context(), body)
		w.WriteHeader(http.StatusAccepted)
	case KindRequest:
		s.serveRequest(w, r, sess, *c.Request, body)
	case KindBatch:
		s.serveBatch(w, r, sess, c, body)
	default:
		http.Error(w, "unrecognized message shape", http.StatusBadRequest)
	}
}

// resolveSession finds the session addressed by clientSessionID, or, for
// an inbound `initialize` request with no session id, creates one. Any
// other method with no session id is rejected: per the 2025-06-18
// transport, non-initialize requests must carry Mcp-Session-Id.
func (s *streamableState) resolveSession(clientSessionID string, c Classified) (sess *session, created bool, err error) {
	if clientSessionID != "" {
		existing, ok := s.sessions.get(clientSessionID)
		if !ok {
			return nil, false, fmt.Errorf("unknown or terminated session")
		}
		return existing, false, nil
	}

	if !isInitializeRequest(c) {
		return nil, false, errMissingSessionID
	}

	sess, err = s.sessions.create()
	if err != nil {
		return nil, false, err
	}
	sess.peer = s.newPeerForSession(sess)
	publishSessionEvent(s.hub, sess.id, domain.SessionCreated)
	return sess, true, nil
}

// isInitializeRequest reports whether c is a single `initialize` request,
// the one case a missing Mcp-Session-Id is legitimate.
func isInitializeRequest(c Classified) bool {
	return c.Kind == KindRequest && c.Request.Method == "initialize"
}

// isTerminalResponse reports whether data is the JSON-RPC response
// matching id, as opposed to a priming event (empty data) or an
// in-flight progress notification sharing the same per-request stream.
func isTerminalResponse(data []byte, id RequestID) bool {
	if len(data) == 0 {
		return false
	}
	c, err := Classify(data)
	if err != nil || c.Kind != KindResponse {
		return false
	}
	return c.Response.ID.Key() == id.Key()
}

// awaitTerminalResponse reads stream.messages, discarding priming events
// and any progress notifications broadcast onto the same stream, until
// the terminal response for id arrives or ctx is done.
func awaitTerminalResponse(ctx context.Context, stream *sseStream, id RequestID) ([]byte, bool) {
	for {
		select {
		case e := <-stream.messages:
			if isTerminalResponse(e.data, id) {
				return e.data, true
			}
		case <-ctx.Done():
			return nil, false
		}
	}
}

// serveRequest delivers one client request to the session's peer and
// waits for its response on a dedicated stream, writing either a direct
// JSON body or an SSE-framed event sequence depending on the client's
// Accept header. The stream's first frame is always a priming event
// (queued by openStream), and may carry in-flight progress notifications
// for this request before its terminal response arrives.
func (s *streamableState) serveRequest(w http.ResponseWriter, r *http.Request, sess *session, req Request, body []byte) {
	sid := sess.nextStreamID()
	sess.setRequestStream(req.ID, sid)
	stream := sess.openStream(sid)
	defer sess.closeStream(sid)

	sess.peer.handleInbound(r.Context(), body)

	wantsSSE := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if wantsSSE {
		s.streamSingleResponse(w, r, sid, stream, req.ID)
		return
	}

	data, ok := awaitTerminalResponse(r.Context(), stream, req.ID)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// streamSingleResponse streams every frame queued for sid as an SSE
// event, in order — the priming event, then any progress notifications
// raised while the request is in flight, then the terminal response —
// closing the stream once that response is written.
func (s *streamableState) streamSingleResponse(w http.ResponseWriter, r *http.Request, sid streamID, stream *sseStream, reqID RequestID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case e := <-stream.messages:
			writeSSEEvent(w, formatEventID(sid, e.index), e.data)
			flusher.Flush()
			if isTerminalResponse(e.data, reqID) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// serveBatch delivers a batch to the peer and, if it contains any
// requests, waits for all of their responses before replying with a
// single JSON array.
func (s *streamableState) serveBatch(w http.ResponseWriter, r *http.Request, sess *session, c Classified, body []byte) {
	var requestIDs []RequestID
	var streams []*sseStream
	for _, item := range c.Batch {
		if item.Kind == KindRequest {
			sid := sess.nextStreamID()
			sess.setRequestStream(item.Request.ID, sid)
			streams = append(streams, sess.openStream(sid))
			requestIDs = append(requestIDs, item.Request.ID)
		}
	}
	defer func() {
		for i := range requestIDs {
			sess.closeStream(streamIDFor(i, streams))
		}
	}()

	sess.peer.handleInbound(r.Context(), body)

	if len(requestIDs) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	frames := make([][]byte, 0, len(streams))
	for i, stream := range streams {
		data, ok := awaitTerminalResponse(r.Context(), stream, requestIDs[i])
		if !ok {
			return
		}
		frames = append(frames, data)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(EncodeBatch(frames))
}

func streamIDFor(i int, streams []*sseStream) streamID {
	return streams[i].id
}

func (s *streamableState) handleGet(w http.ResponseWriter, r *http.Request) {
	if !runValidators(w, r, s, s.getValidators) {
		return
	}
	clientSessionID := r.Header.Get("Mcp-Session-Id")
	sess, ok := s.sessions.get(clientSessionID)
	if !ok {
		http.Error(w, "unknown or terminated session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// At most one standalone stream per session (§4.7 GET); a second GET
	// must not silently take over the first one's stream, orphaning its
	// goroutine.
	if _, exists := sess.lookupStream(0); exists {
		http.Error(w, "standalone stream already open for this session", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Mcp-Session-Id", sess.id)

	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		s.replayStream(w, flusher, sess, lastEventID)
	}

	stream := sess.openStream(0)
	defer sess.closeStream(0)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-stream.done:
			return
		case e := <-stream.messages:
			writeSSEEvent(w, formatEventID(0, e.index), e.data)
			flusher.Flush()
		}
	}
}

// replayStream replays every stored event after lastEventID's index on
// its stream, whatever stream that id names — the standalone stream (id
// 0) or any per-request stream. §4.7 GET replay covers "all stored
// events for that event's stream-id", not only the standalone one: a
// client may reconnect with a Last-Event-ID naming a per-request stream
// it was still draining when it disconnected.
func (s *streamableState) replayStream(w http.ResponseWriter, flusher http.Flusher, sess *session, lastEventID string) {
	sid, idx, ok := parseEventID(lastEventID)
	if !ok {
		return
	}
	events, ok := sess.store.replaySince(sid, idx)
	if !ok {
		return
	}
	for _, e := range events {
		writeSSEEvent(w, formatEventID(sid, e.index), e.data)
	}
	flusher.Flush()
}

func (s *streamableState) handleDelete(w http.ResponseWriter, r *http.Request) {
	clientSessionID := r.Header.Get("Mcp-Session-Id")
	if clientSessionID == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.get(clientSessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.peer != nil {
		_ = sess.peer.Disconnect()
	}
	s.sessions.terminate(clientSessionID)
	publishSessionEvent(s.hub, clientSessionID, domain.SessionTerminated)
	logger.Debug("mcp: streamable HTTP session terminated: %s", clientSessionID)
	w.WriteHeader(http.StatusOK)
}

func writeSSEEvent(w io.Writer, id string, data []byte) {
	fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", id, data)
}

// peerTransport is the Transport implementation bound to one session: it
// routes outbound frames onto the correct SSE stream (or a direct-response
// waiter) using request-id correlation for responses and the
// `_meta.relatedRequestId` convention for server-initiated notifications.
type peerTransport struct {
	sess *session

	mu             sync.RWMutex
	messageHandler func(ctx context.Context, frame []byte)
	closeHandler   func()
	errorHandler   func(error)
}

func (pt *peerTransport) Start(_ context.Context) error { return nil }

func (pt *peerTransport) Close() error {
	pt.sess.closeAll()
	pt.mu.RLock()
	h := pt.closeHandler
	pt.mu.RUnlock()
	if h != nil {
		h()
	}
	return nil
}

func (pt *peerTransport) SetMessageHandler(h func(ctx context.Context, frame []byte)) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.messageHandler = h
}
func (pt *peerTransport) SetCloseHandler(h func()) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.closeHandler = h
}
func (pt *peerTransport) SetErrorHandler(h func(error)) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.errorHandler = h
}

func (pt *peerTransport) Send(_ context.Context, frame []byte) error {
	c, err := Classify(frame)
	if err != nil {
		return err
	}

	if c.Kind == KindResponse {
		if sid, ok := pt.sess.requestStream(c.Response.ID); ok {
			if stream, ok2 := pt.sess.lookupStream(sid); ok2 {
				idx := pt.sess.store.append(sid, frame)
				stream.send(event{index: idx, data: frame})
				return nil
			}
		}
	}

	if sid, ok := relatedRequestStream(pt.sess, frame); ok {
		if stream, ok2 := pt.sess.lookupStream(sid); ok2 {
			idx := pt.sess.store.append(sid, frame)
			stream.send(event{index: idx, data: frame})
			return nil
		}
	}

	// No specific correlation: broadcast to every open stream so both the
	// standalone GET stream and any in-flight request streams observe it.
	streams := pt.sess.openStreams()
	if len(streams) == 0 {
		logger.Debug("mcp: dropping outbound frame, no open stream for session %s", pt.sess.id)
		return nil
	}
	for _, stream := range streams {
		idx := pt.sess.store.append(stream.id, frame)
		stream.send(event{index: idx, data: frame})
	}
	return nil
}

// relatedRequestStream extracts `_meta.relatedRequestId` from a
// notification frame, if present, and resolves it to a live stream id
// without consuming the request->stream mapping (a single request may
// raise several notifications before its terminal response).
func relatedRequestStream(sess *session, frame []byte) (streamID, bool) {
	var m relatedRequestMeta
	if err := json.Unmarshal(frame, &m); err != nil {
		return 0, false
	}
	if m.Params.Meta.RelatedRequestID == nil {
		return 0, false
	}
	sess.mu.Lock()
	sid, ok := sess.reqToSid[m.Params.Meta.RelatedRequestID.Key()]
	sess.mu.Unlock()
	return sid, ok
}
