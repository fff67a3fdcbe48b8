package mcp

import (
	"encoding/json"
	"sync"
)

// State is a lifecycle state of one peer.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Implementation identifies a peer implementation by name and version,
// exchanged during initialize as clientInfo/serverInfo.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is an opaque option bag: presence of a top-level key
// means the corresponding method family is supported. The engine does
// not interpret the sub-structure of any capability; only whether a key
// is present.
type Capabilities map[string]json.RawMessage

// Has reports whether name is present in the bag.
func (c Capabilities) Has(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c[name]
	return ok
}

// InitializeParams is the payload of an inbound/outbound `initialize` request.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    Capabilities    `json:"capabilities"`
	ClientInfo      *Implementation `json:"clientInfo,omitempty"`
}

// InitializeResult is the payload of the `initialize` response.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    Capabilities    `json:"capabilities"`
	ServerInfo      *Implementation `json:"serverInfo,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
}

// InitializeHook is called during server-side initialize handling before
// the response is produced; it may reject the handshake by returning an
// error.
type InitializeHook func(params InitializeParams) error

// Lifecycle drives the Uninitialized -> Initializing -> Initialized ->
// Disconnected state machine for one peer (client or server side).
// Strict mode and capability storage are symmetric but independently
// configurable on each peer.
type Lifecycle struct {
	mu sync.Mutex

	state  State
	strict bool

	// supportedVersions is ordered newest-first; the first entry is
	// "latest" for negotiation purposes.
	supportedVersions []string

	negotiatedVersion string
	localCapabilities Capabilities
	peerCapabilities  Capabilities
	peerInfo          *Implementation

	initHook InitializeHook
}

// NewLifecycle constructs a lifecycle state machine. supportedVersions
// must be ordered newest-first; its first element is the version
// returned to a client whose proposal is not in the set.
func NewLifecycle(supportedVersions []string, localCapabilities Capabilities, strict bool) *Lifecycle {
	return &Lifecycle{
		state:             StateUninitialized,
		strict:            strict,
		supportedVersions: supportedVersions,
		localCapabilities: localCapabilities,
	}
}

// SetInitializeHook installs a hook run during server-side HandleInitialize.
func (l *Lifecycle) SetInitializeHook(h InitializeHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initHook = h
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// NegotiateVersion implements the version negotiation policy: echo the
// proposal if it is a member of the supported set, otherwise return the
// server's latest (first) supported version. Idempotent: negotiating the
// same proposal twice yields the same result.
func (l *Lifecycle) NegotiateVersion(proposed string) string {
	for _, v := range l.supportedVersions {
		if v == proposed {
			return proposed
		}
	}
	if len(l.supportedVersions) == 0 {
		return proposed
	}
	return l.supportedVersions[0]
}

// supports reports whether version is in the supported set, used by a
// client peer to decide whether to abort after receiving the server's
// chosen version.
func (l *Lifecycle) supports(version string) bool {
	for _, v := range l.supportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// HandleInitialize drives the server-side transition on receipt of an
// inbound `initialize` request. It returns InvalidRequest if the peer is
// already Initialized.
func (l *Lifecycle) HandleInitialize(params InitializeParams, serverInfo *Implementation) (*InitializeResult, error) {
	l.mu.Lock()
	if l.state == StateInitialized || l.state == StateInitializing {
		l.mu.Unlock()
		return nil, NewError(InvalidRequest, "already initialized")
	}
	l.state = StateInitializing
	hook := l.initHook
	l.mu.Unlock()

	if hook != nil {
		if err := hook(params); err != nil {
			l.mu.Lock()
			l.state = StateUninitialized
			l.mu.Unlock()
			return nil, NewError(InvalidRequest, "initialize rejected: "+err.Error())
		}
	}

	negotiated := l.NegotiateVersion(params.ProtocolVersion)

	l.mu.Lock()
	l.negotiatedVersion = negotiated
	l.peerCapabilities = params.Capabilities
	l.peerInfo = params.ClientInfo
	l.state = StateInitialized
	l.mu.Unlock()

	return &InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    l.localCapabilities,
		ServerInfo:      serverInfo,
	}, nil
}

// CompleteClientInitialize applies the server's InitializeResult to a
// client-side lifecycle after connect() sends `initialize` and receives
// the reply, prior to sending the `initialized` notification. It returns
// an error if the server chose a version this client does not support.
func (l *Lifecycle) CompleteClientInitialize(result InitializeResult) error {
	if !l.supports(result.ProtocolVersion) {
		return NewError(InvalidRequest, "server negotiated unsupported protocol version "+result.ProtocolVersion)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.negotiatedVersion = result.ProtocolVersion
	l.peerCapabilities = result.Capabilities
	l.state = StateInitialized
	return nil
}

// MarkInitializing transitions Uninitialized -> Initializing, used by a
// client peer immediately before it sends its own `initialize` request.
func (l *Lifecycle) MarkInitializing() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		l.state = StateInitializing
	}
}

// MarkDisconnected transitions to Disconnected unconditionally.
func (l *Lifecycle) MarkDisconnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateDisconnected
}

// CheckServerStrict enforces server-side strict mode: any inbound
// request method other than "initialize" or "ping" arriving before the
// peer reaches Initialized fails with InvalidRequest.
func (l *Lifecycle) CheckServerStrict(method string) error {
	if !l.strict {
		return nil
	}
	if method == "initialize" || method == "ping" {
		return nil
	}
	if l.State() != StateInitialized {
		return NewError(InvalidRequest, "request received before initialization complete")
	}
	return nil
}

// CheckClientStrict enforces client-side strict mode: an outbound call
// whose required capability was not advertised by the peer fails
// locally with MethodNotFound before anything is sent. requiredCapability
// may be empty to mean "no capability gate applies to this method".
func (l *Lifecycle) CheckClientStrict(requiredCapability string) error {
	if !l.strict || requiredCapability == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.peerCapabilities.Has(requiredCapability) {
		return NewError(MethodNotFound, "peer does not advertise capability "+requiredCapability)
	}
	return nil
}

// PeerInfo returns the peer's advertised implementation info, if known.
func (l *Lifecycle) PeerInfo() *Implementation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerInfo
}

// NegotiatedVersion returns the version agreed on during initialize, or
// empty if initialize has not completed.
func (l *Lifecycle) NegotiatedVersion() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.negotiatedVersion
}
