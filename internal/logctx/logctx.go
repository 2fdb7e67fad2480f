// Package logctx lets a single slog.Logger tag records with the session and
// message being processed, taken from the context passed to the *Context
// logging methods.
package logctx

import (
	"context"
	"log/slog"
)

// Session identifies the session a record belongs to. ClientID is consulted
// at log time since the identity is only known after the handshake; it may be
// nil.
type Session struct {
	ID       string
	Role     string
	ClientID func() (string, bool)
}

// Message identifies the JSON-RPC message being handled.
type Message struct {
	Method string
	ID     string
	Kind   string
}

type sessionKey struct{}

type messageKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// WithMessage returns a copy of ctx carrying m.
func WithMessage(ctx context.Context, m Message) context.Context {
	return context.WithValue(ctx, messageKey{}, m)
}

// Wrap makes l context aware. A nil l discards everything, and an already
// wrapped logger is returned as is.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	if _, ok := l.Handler().(handler); ok {
		return l
	}
	return slog.New(handler{next: l.Handler()})
}

type handler struct {
	next slog.Handler
}

func (h handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h handler) Handle(ctx context.Context, r slog.Record) error {
	if s, ok := ctx.Value(sessionKey{}).(*Session); ok {
		attrs := []any{slog.String("id", s.ID), slog.String("role", s.Role)}
		if s.ClientID != nil {
			if id, ok := s.ClientID(); ok {
				attrs = append(attrs, slog.String("client_id", id))
			}
		}
		r.AddAttrs(slog.Group("sess", attrs...))
	}
	if m, ok := ctx.Value(messageKey{}).(Message); ok {
		attrs := []any{slog.String("method", m.Method), slog.String("type", m.Kind)}
		if m.ID != "" {
			attrs = append(attrs, slog.String("id", m.ID))
		}
		r.AddAttrs(slog.Group("rpc", attrs...))
	}
	return h.next.Handle(ctx, r)
}

func (h handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return handler{next: h.next.WithAttrs(attrs)}
}

func (h handler) WithGroup(name string) slog.Handler {
	return handler{next: h.next.WithGroup(name)}
}
