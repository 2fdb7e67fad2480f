package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/server"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/dgitj/mcp-identity-tracking-sdk/sessiontest"
	"github.com/dgitj/mcp-identity-tracking-sdk/stream"
)

type notification struct {
	method string
	params json.RawMessage
}

// recorder collects client-side notifications.
type recorder struct{ ch chan notification }

func newRecorder() *recorder { return &recorder{ch: make(chan notification, 64)} }

func (r *recorder) handle(_ context.Context, method string, params json.RawMessage) {
	r.ch <- notification{method: method, params: params}
}

func (r *recorder) expect(t *testing.T, method string) notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-r.ch:
			if n.method == method {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", method)
		}
	}
}

func (r *recorder) expectNone(t *testing.T, method string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case n := <-r.ch:
			if n.method == method {
				t.Fatalf("unexpected %s", method)
			}
		case <-deadline:
			return
		}
	}
}

func requireCode(t *testing.T, err error, code jsonrpc.ErrorCode) *session.RequestError {
	t.Helper()
	var re *session.RequestError
	if !errors.As(err, &re) {
		t.Fatalf("expected *session.RequestError, got %T: %v", err, err)
	}
	if re.Code != code {
		t.Fatalf("error code = %d, want %d (%s)", re.Code, code, re.Message)
	}
	return re
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// rawClient writes hand-built envelopes to a server session, bypassing the
// client's id allocation and send gate.
type rawClient struct {
	r stream.Reader
	w stream.Writer
}

func newRawClient(t *testing.T, srv *server.Server, opts ...session.Option) (*rawClient, *server.Session) {
	t.Helper()
	cr, cw, sr, sw := sessiontest.Pipes()
	ss := srv.NewSession(sr, sw, server.InitOptions{}, opts...)
	ss.Start(context.Background())
	t.Cleanup(func() {
		_ = ss.Close()
		_ = cw.Close()
	})
	return &rawClient{r: cr, w: cw}, ss
}

func (c *rawClient) send(t *testing.T, raw string) {
	t.Helper()
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("bad test envelope %s: %v", raw, err)
	}
	if err := c.w.Send(testContext(t), &msg); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (c *rawClient) recv(t *testing.T) *jsonrpc.AnyMessage {
	t.Helper()
	msg, err := c.r.Receive(testContext(t))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

// handshake completes initialize with request id 1.
func (c *rawClient) handshake(t *testing.T, ss *server.Session) {
	t.Helper()
	c.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"`+mcp.LatestProtocolVersion+`","capabilities":{},"clientInfo":{"name":"raw","version":"0"}}}`)
	if resp := c.recv(t); resp.Error != nil {
		t.Fatalf("initialize: %+v", resp.Error)
	}
	c.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	sessiontest.WaitState(t, ss, session.StateReady)
}

// protocolErrors returns an error handler option and the channel it reports to.
func protocolErrors() (session.Option, <-chan error) {
	ch := make(chan error, 8)
	return session.WithErrorHandler(func(_ context.Context, err error) { ch <- err }), ch
}

func expectProtocolError(t *testing.T, ch <-chan error) *session.ProtocolError {
	t.Helper()
	select {
	case err := <-ch:
		var perr *session.ProtocolError
		if !errors.Is(err, session.ErrProtocol) || !errors.As(err, &perr) {
			t.Fatalf("want protocol error, got %v", err)
		}
		return perr
	case <-time.After(2 * time.Second):
		t.Fatal("protocol error not reported")
	}
	return nil
}
