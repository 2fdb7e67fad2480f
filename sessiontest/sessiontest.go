// Package sessiontest connects client and server sessions in memory for
// tests.
package sessiontest

import (
	"context"
	"testing"
	"time"

	"github.com/dgitj/mcp-identity-tracking-sdk/client"
	"github.com/dgitj/mcp-identity-tracking-sdk/server"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/dgitj/mcp-identity-tracking-sdk/stream"
)

// Capacity is the buffer size of each in-memory direction.
const Capacity = 16

// HandshakeTimeout bounds the initialize handshake in Connect.
const HandshakeTimeout = 5 * time.Second

// Pipes returns two connected stream pairs: what one side writes the other
// reads.
func Pipes() (ar stream.Reader, aw stream.Writer, br stream.Reader, bw stream.Writer) {
	abW, abR := stream.NewPipe(Capacity)
	baW, baR := stream.NewPipe(Capacity)
	return baR, abW, abR, baW
}

// NewPair starts a server session for srv and returns an unstarted client
// session wired to it. Neither side has performed the handshake. Both are
// closed when the test ends.
func NewPair(t testing.TB, srv *server.Server, init server.InitOptions, opts ...client.Option) (*client.Session, *server.Session) {
	t.Helper()

	cr, cw, sr, sw := Pipes()
	ss := srv.NewSession(sr, sw, init)
	ss.Start(context.Background())
	cs := client.New(cr, cw, opts...)

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Close()
	})
	return cs, ss
}

// Connect is NewPair followed by the handshake. It fails the test if the
// handshake fails.
func Connect(t testing.TB, srv *server.Server, init server.InitOptions, opts ...client.Option) (*client.Session, *server.Session) {
	t.Helper()

	cs, ss := NewPair(t, srv, init, opts...)
	cs.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), HandshakeTimeout)
	defer cancel()
	if _, err := cs.Initialize(ctx); err != nil {
		t.Fatalf("sessiontest: handshake: %v", err)
	}
	WaitState(t, ss, session.StateReady)
	return cs, ss
}

// WaitState polls until ss reaches want or a second passes.
func WaitState(t testing.TB, ss *server.Session, want session.State) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for ss.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("sessiontest: server session state %s, want %s", ss.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}
