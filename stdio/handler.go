package stdio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dgitj/mcp-identity-tracking-sdk/server"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
)

// Handler serves a single server session over a reader/writer pair. By
// default it uses os.Stdin and os.Stdout.
type Handler struct {
	srv      *server.Server
	r        io.Reader
	w        io.Writer
	l        *slog.Logger
	init     server.InitOptions
	sessOpts []session.Option

	served atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv *server.Server, opts ...Option) *Handler {
	h := &Handler{
		srv: srv,
		r:   os.Stdin,
		w:   os.Stdout,
		l:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the session until the peer closes the input or ctx is cancelled.
// It may be called at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return errors.New("stdio: Serve called twice")
	}
	r, w := NewStreams(h.r, h.w, WithStreamLogger(h.l))
	opts := append([]session.Option{session.WithLogger(h.l)}, h.sessOpts...)
	h.l.InfoContext(ctx, "stdio.serve.start", slog.String("server", h.srv.Name()))
	err := h.srv.Run(ctx, r, w, h.init, opts...)
	h.l.InfoContext(ctx, "stdio.serve.stop")
	return err
}
