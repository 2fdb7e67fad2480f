// Package stream defines the ordered message channels a session reads from
// and writes to, plus a bounded in-memory implementation.
//
// A transport (stdio, HTTP, in-process) adapts its framing to one Reader and
// one Writer. The session layer only ever calls Receive, Send and Close.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

// ErrClosed is returned by Send after either end of the channel was closed,
// and by Receive after the reader itself was closed.
var ErrClosed = errors.New("stream: closed")

// Reader is the inbound half of a channel pair.
//
// Receive blocks until a message is available. It returns io.EOF once the
// writing side closed and every buffered message was drained, and ErrClosed
// once the reader was closed locally. Any other error describes a single
// malformed message; the reader stays usable.
type Reader interface {
	Receive(ctx context.Context) (*jsonrpc.AnyMessage, error)
	Close() error
}

// Writer is the outbound half of a channel pair. Send blocks while the
// channel is at capacity. Close is idempotent.
type Writer interface {
	Send(ctx context.Context, msg *jsonrpc.AnyMessage) error
	Close() error
}

// IsTerminal reports whether err returned by Reader.Receive ends the stream.
func IsTerminal(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type item struct {
	msg *jsonrpc.AnyMessage
	err error
}

type pipe struct {
	ch chan item

	writerOnce sync.Once
	writerDone chan struct{}
	readerOnce sync.Once
	readerDone chan struct{}
}

// PipeWriter is the sending end of an in-memory pipe.
type PipeWriter struct{ p *pipe }

// PipeReader is the receiving end of an in-memory pipe.
type PipeReader struct{ p *pipe }

// NewPipe returns a connected in-memory channel of the given capacity. A
// capacity of zero makes every Send rendezvous with a Receive.
func NewPipe(capacity int) (*PipeWriter, *PipeReader) {
	if capacity < 0 {
		capacity = 0
	}
	p := &pipe{
		ch:         make(chan item, capacity),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	return &PipeWriter{p: p}, &PipeReader{p: p}
}

// Send implements Writer.
func (w *PipeWriter) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	return w.p.send(ctx, item{msg: msg})
}

// SendError queues a non-terminal receive error, the way a transport reports
// a frame it could not decode.
func (w *PipeWriter) SendError(ctx context.Context, err error) error {
	return w.p.send(ctx, item{err: err})
}

// Close implements Writer. Messages already queued remain readable.
func (w *PipeWriter) Close() error {
	w.p.writerOnce.Do(func() { close(w.p.writerDone) })
	return nil
}

// Receive implements Reader.
func (r *PipeReader) Receive(ctx context.Context) (*jsonrpc.AnyMessage, error) {
	p := r.p
	select {
	case <-p.readerDone:
		return nil, ErrClosed
	default:
	}

	select {
	case it := <-p.ch:
		return it.msg, it.err
	case <-p.readerDone:
		return nil, ErrClosed
	case <-p.writerDone:
		// Drain whatever was queued before the writer closed.
		select {
		case it := <-p.ch:
			return it.msg, it.err
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Reader. Pending and future sends fail with ErrClosed.
func (r *PipeReader) Close() error {
	r.p.readerOnce.Do(func() { close(r.p.readerDone) })
	return nil
}

func (p *pipe) send(ctx context.Context, it item) error {
	select {
	case <-p.writerDone:
		return ErrClosed
	case <-p.readerDone:
		return ErrClosed
	default:
	}

	select {
	case p.ch <- it:
		return nil
	case <-p.writerDone:
		return ErrClosed
	case <-p.readerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
