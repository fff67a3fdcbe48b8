package domain

// Context holds the application runtime context: the shared event hub
// and the resolved configuration. A single Context is constructed in
// main and threaded through to the command that starts the transport.
type Context struct {
	Hub *EventBus
	Config
}

// NewContext builds a Context with a fresh event hub whose subscribers
// (session-lifecycle watchers, the metrics updater) each get a channel
// buffer of 16 messages.
func NewContext(cfg Config) *Context {
	return &Context{
		Hub:    NewEventBus(16),
		Config: cfg,
	}
}

// SessionTopic is the topic session-lifecycle events are published on.
var SessionTopic = NewTopic[SessionEvent]("mcp.session")

// SessionEvent describes a session being created or terminated, published
// to Context.Hub so observers (metrics, logging taps) can react without
// the transport depending on them directly.
type SessionEvent struct {
	SessionID string
	Kind      SessionEventKind
}

// SessionEventKind enumerates the SessionEvent variants.
type SessionEventKind int

const (
	SessionCreated SessionEventKind = iota
	SessionTerminated
)
