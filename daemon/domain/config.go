package domain

import "time"

// Config holds the runtime configuration of the MCP server, assembled
// from CLI flags, an optional YAML overlay (see fileconfig.go), and the
// ini.v1-parsed origin allowlist file.
type Config struct {
	// Version is the server's own implementation version, advertised in
	// serverInfo during initialize.
	Version string

	// Addr is the address the Streamable HTTP listener binds, e.g. ":8080".
	Addr string

	// Stateless selects the stateless Streamable HTTP variant (no
	// session id issued, no resumable GET stream).
	Stateless bool

	// StrictMode enables capability-gated request rejection on both
	// sides of the lifecycle state machine.
	StrictMode bool

	// MaxEventsPerStream bounds each SSE stream's replay buffer.
	MaxEventsPerStream int

	// RequestTimeout holds the configured per-request timeout. Neither the
	// transport nor the engine reads it; request timeouts come only from
	// SendOptions.Timeout.
	RequestTimeout time.Duration

	// AllowedOrigins is the parsed origin allowlist; empty means allow all.
	AllowedOrigins []string

	// MetricsAddr, if non-empty, binds a second listener serving
	// Prometheus metrics.
	MetricsAddr string
}

// DefaultConfig returns the configuration used when no flags or file
// overrides are supplied.
func DefaultConfig() Config {
	return Config{
		Version:            "0.1.0",
		Addr:               ":8080",
		StrictMode:         false,
		MaxEventsPerStream: 256,
		RequestTimeout:     30 * time.Second,
	}
}
