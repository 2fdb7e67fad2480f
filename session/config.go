package session

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Policy decides what a protocol or contract violation does to the session.
type Policy string

const (
	// PolicyReport surfaces the violation to the ErrorHandler and keeps the
	// session running.
	PolicyReport Policy = "report"
	// PolicyClose surfaces the violation and then closes the session.
	PolicyClose Policy = "close"
)

// Decode implements envdecode.Decoder.
func (p *Policy) Decode(repl string) error {
	switch Policy(repl) {
	case PolicyReport, PolicyClose:
		*p = Policy(repl)
		return nil
	case "":
		*p = PolicyReport
		return nil
	}
	return fmt.Errorf("unknown policy %q", repl)
}

// Config holds the tunables of a session. The zero value is usable.
type Config struct {
	// RequestTimeout bounds SendRequest when the caller's context has no
	// deadline. Zero disables it. ENV: MCP_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=0s"`

	// ProtocolErrorPolicy applies to responses for unknown ids, duplicate
	// request ids and malformed envelopes. ENV: MCP_PROTOCOL_ERROR_POLICY
	ProtocolErrorPolicy Policy `env:"MCP_PROTOCOL_ERROR_POLICY,default=report"`

	// DuplicateResponsePolicy applies when a handler responds twice.
	// ENV: MCP_DUPLICATE_RESPONSE_POLICY
	DuplicateResponsePolicy Policy `env:"MCP_DUPLICATE_RESPONSE_POLICY,default=report"`

	// StreamCapacity is the buffer size used by transports and test helpers
	// that create in-memory pipes. ENV: MCP_STREAM_CAPACITY
	StreamCapacity int `env:"MCP_STREAM_CAPACITY,default=16"`

	// TrackerTimeout bounds each identity tracker call a server makes on the
	// dispatch loop. Zero disables it. ENV: MCP_TRACKER_TIMEOUT
	TrackerTimeout time.Duration `env:"MCP_TRACKER_TIMEOUT,default=2s"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		ProtocolErrorPolicy:     PolicyReport,
		DuplicateResponsePolicy: PolicyReport,
		StreamCapacity:          16,
		TrackerTimeout:          2 * time.Second,
	}
}

// ConfigFromEnv builds a Config from the environment, falling back to the
// defaults declared in the struct tags.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("decode session config: %w", err)
	}
	return cfg, nil
}
