package mcp

import "net/http"

// StatelessHTTPTransport is the stateless Streamable HTTP variant: every
// request is served by a single shared Peer with no `Mcp-Session-Id`
// issued or checked, no resumable GET stream, and no DELETE-based
// termination. It reuses the stateful transport's request/response
// plumbing (session, eventStore, peerTransport) against one internal
// session that never ends, since those pieces model "one logical
// connection" regardless of whether an id is exposed on the wire.
type StatelessHTTPTransport struct {
	state *streamableState
	sess  *session
}

// NewStatelessHTTPTransport constructs a stateless transport. Because
// there is only ever one session, its Lifecycle is shared across every
// caller; this is appropriate for a single-tenant demo deployment, not a
// multi-client production server, which should use the stateful variant.
func NewStatelessHTTPTransport(registry *Registry, selfInfo *Implementation, opts ServerOptions) *StatelessHTTPTransport {
	versions := opts.SupportedVersions
	if len(versions) == 0 {
		versions = supportedProtocolVersions
	}
	allow := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allow[o] = true
	}
	st := &streamableState{
		registry:    registry,
		selfInfo:    selfInfo,
		versions:    versions,
		strictMode:  opts.StrictMode,
		initHook:    opts.InitializeHook,
		stateful:    false,
		originAllow: allow,
	}
	st.postValidators = []Validator{contentTypeValidator, protocolVersionValidator, originValidator(allow)}

	sess := newSession("", opts.MaxEventsPerStream)
	sess.peer = st.newPeerForSession(sess)

	return &StatelessHTTPTransport{state: st, sess: sess}
}

// SessionCount always reports 1: the stateless transport has exactly
// one internal session for the lifetime of the process. Present so
// StatelessHTTPTransport satisfies the same metrics.Source interface as
// StreamableHTTPTransport.
func (t *StatelessHTTPTransport) SessionCount() int { return 1 }

// PendingCount reports the shared session Peer's outbound-request count.
func (t *StatelessHTTPTransport) PendingCount() int {
	if t.sess.peer == nil {
		return 0
	}
	return t.sess.peer.PendingCount()
}

// Handler returns the http.HandlerFunc to mount on the MCP endpoint. GET
// and DELETE are not meaningful in stateless mode and are rejected.
func (t *StatelessHTTPTransport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			t.handlePost(w, r)
		default:
			http.Error(w, "stateless transport supports POST only", http.StatusMethodNotAllowed)
		}
	}
}

func (t *StatelessHTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	if !runValidators(w, r, t.state, t.state.postValidators) {
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

	switch c.Kind {
	case KindNotification, KindResponse:
		t.sess.peer.handleInbound(r.Context(), body)
		w.WriteHeader(http.StatusAccepted)
	case KindRequest:
		t.state.serveRequest(w, r, t.sess, *c.Request, body)
	case KindBatch:
		t.state.serveBatch(w, r, t.sess, c, body)
	default:
		http.Error(w, "unrecognized message shape", http.StatusBadRequest)
	}
}
