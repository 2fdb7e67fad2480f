package stdio

import (
	"io"
	"log/slog"

	"github.com/dgitj/mcp-identity-tracking-sdk/server"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
)

// Option configures a Handler.
type Option func(*Handler)

// WithIO replaces os.Stdin and os.Stdout. A nil argument keeps the default
// for that side.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger sets the logger used by the handler and the session it serves.
// stdout carries protocol traffic, so the logger must write elsewhere.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithInitOptions sets the handshake options of the served session.
func WithInitOptions(init server.InitOptions) Option {
	return func(h *Handler) { h.init = init }
}

// WithSessionOptions passes options through to the session core.
func WithSessionOptions(opts ...session.Option) Option {
	return func(h *Handler) { h.sessOpts = append(h.sessOpts, opts...) }
}
