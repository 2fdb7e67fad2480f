package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

func note(method string) *jsonrpc.AnyMessage {
	return &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
}

func TestPipe_FIFO(t *testing.T) {
	t.Parallel()

	w, r := NewPipe(4)
	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		if err := w.Send(ctx, note(m)); err != nil {
			t.Fatalf("send %s: %v", m, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := r.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if got.Method != want {
			t.Fatalf("got %q, want %q", got.Method, want)
		}
	}
}

func TestPipe_WriterCloseDrainsThenEOF(t *testing.T) {
	t.Parallel()

	w, r := NewPipe(2)
	ctx := context.Background()
	_ = w.Send(ctx, note("a"))
	_ = w.Close()

	if m, err := r.Receive(ctx); err != nil || m.Method != "a" {
		t.Fatalf("expected buffered message, got %v, %v", m, err)
	}
	if _, err := r.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if err := w.Send(ctx, note("b")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: expected ErrClosed, got %v", err)
	}
}

func TestPipe_Backpressure(t *testing.T) {
	t.Parallel()

	w, r := NewPipe(1)
	if err := w.Send(context.Background(), note("a")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Send(ctx, note("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected full pipe to block until deadline, got %v", err)
	}

	if _, err := r.Receive(context.Background()); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := w.Send(context.Background(), note("b")); err != nil {
		t.Fatalf("send after drain: %v", err)
	}
}

func TestPipe_ReaderCloseUnblocksSender(t *testing.T) {
	t.Parallel()

	w, r := NewPipe(0)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Send(context.Background(), note("a")) }()

	time.Sleep(10 * time.Millisecond)
	_ = r.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sender still blocked after reader close")
	}
	if _, err := r.Receive(context.Background()); !IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestPipe_SendErrorIsNotTerminal(t *testing.T) {
	t.Parallel()

	w, r := NewPipe(2)
	ctx := context.Background()
	_ = w.SendError(ctx, errors.New("bad frame"))
	_ = w.Send(ctx, note("a"))

	if _, err := r.Receive(ctx); err == nil || IsTerminal(err) {
		t.Fatalf("expected non-terminal error, got %v", err)
	}
	if m, err := r.Receive(ctx); err != nil || m.Method != "a" {
		t.Fatalf("expected message after error, got %v, %v", m, err)
	}
}
