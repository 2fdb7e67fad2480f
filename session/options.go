package session

import (
	"context"
	"log/slog"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

// Option customizes a Session.
type Option func(*Session)

// Interceptor lets a role session (client or server) observe envelopes inline
// in the dispatch loop, before registered handlers see them. Both methods run
// on the loop goroutine, so they observe envelopes in receive order and must
// not block for long.
type Interceptor interface {
	// InterceptRequest is called for every inbound request. When handled is
	// true the registered handler is skipped and resp, if non-nil, is sent as
	// the answer.
	InterceptRequest(ctx context.Context, req *jsonrpc.Request) (resp *jsonrpc.Response, handled bool)
	// InterceptNotification is called for every inbound notification except
	// notifications/cancelled. Returning true consumes it.
	InterceptNotification(ctx context.Context, note *jsonrpc.Request) (consumed bool)
}

// SendGate vets outbound traffic. A non-nil error aborts the send.
type SendGate func(method string, notification bool) error

// ErrorHandler receives protocol errors detected by the dispatch loop. It runs
// on the loop goroutine and must not block.
type ErrorHandler func(ctx context.Context, err error)

// WithLogger overrides the logger. Logging is discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithConfig replaces the session configuration.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithRegistry sets the handler registry consulted for dispatch.
func WithRegistry(r *Registry) Option {
	return func(s *Session) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithLifespan sets the value shared read-only by every RequestContext of the
// session.
func WithLifespan(v any) Option {
	return func(s *Session) { s.lifespan = v }
}

// WithPeer sets the session view handed to handlers as RequestContext.Session.
// Role sessions pass themselves so handlers can reach role-specific methods.
func WithPeer(p Peer) Option {
	return func(s *Session) {
		if p != nil {
			s.peer = p
		}
	}
}

// WithInterceptor installs the role interceptor.
func WithInterceptor(i Interceptor) Option {
	return func(s *Session) { s.interceptor = i }
}

// WithSendGate installs an outbound gate.
func WithSendGate(g SendGate) Option {
	return func(s *Session) { s.gate = g }
}

// WithErrorHandler sets the receiver of protocol errors.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(s *Session) { s.onError = fn }
}

// WithID sets the identifier used in logs.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithRole sets the role name used in logs ("client", "server").
func WithRole(role string) Option {
	return func(s *Session) {
		if role != "" {
			s.role = role
		}
	}
}
