package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/stream"
)

const defaultCapacity = 16

// StreamOption configures NewStreams.
type StreamOption func(*streamConfig)

type streamConfig struct {
	log      *slog.Logger
	capacity int
}

// WithStreamLogger sets the logger used for framing errors.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(c *streamConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCapacity sets how many decoded envelopes may be buffered ahead of the
// session.
func WithCapacity(n int) StreamOption {
	return func(c *streamConfig) {
		if n >= 0 {
			c.capacity = n
		}
	}
}

// NewStreams frames r and w as a stream pair. A goroutine decodes one
// envelope per line from r; a line that fails to decode is delivered as a
// non-terminal receive error. End of input ends the stream. Closing the
// returned Writer closes w if it is an io.Closer.
func NewStreams(r io.Reader, w io.Writer, opts ...StreamOption) (stream.Reader, stream.Writer) {
	cfg := streamConfig{log: slog.New(slog.DiscardHandler), capacity: defaultCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	pw, pr := stream.NewPipe(cfg.capacity)
	go readLines(r, pw, cfg.log)
	return pr, &lineWriter{w: w}
}

func readLines(r io.Reader, pw *stream.PipeWriter, log *slog.Logger) {
	defer pw.Close()
	ctx := context.Background()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var msg jsonrpc.AnyMessage
			var sendErr error
			if derr := json.Unmarshal(line, &msg); derr != nil {
				log.Debug("stdio.decode_failed", slog.String("err", derr.Error()))
				sendErr = pw.SendError(ctx, fmt.Errorf("stdio: decode line: %w", derr))
			} else {
				sendErr = pw.Send(ctx, &msg)
			}
			if sendErr != nil {
				// The session side went away.
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("stdio.read_failed", slog.String("err", err.Error()))
			}
			return
		}
	}
}

// lineWriter writes one envelope per line. Writes are serialized.
type lineWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed atomic.Bool
}

func (lw *lineWriter) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	if lw.closed.Load() {
		return stream.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stdio: encode: %w", err)
	}
	b = append(b, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed.Load() {
		return stream.ErrClosed
	}
	if _, err := lw.w.Write(b); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
			return stream.ErrClosed
		}
		return fmt.Errorf("stdio: write: %w", err)
	}
	return nil
}

func (lw *lineWriter) Close() error {
	if !lw.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := lw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
