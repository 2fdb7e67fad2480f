package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/server"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t      *testing.T
	stdinW *io.PipeWriter
	outMu  sync.Mutex
	lines  []string
	served chan error
}

func defaultInitializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}
}

func greetServer() *server.Server {
	srv := server.New("stdio-test")
	srv.AddTools(server.NewTool("greet",
		func(ctx context.Context, rc *session.RequestContext, _ struct{}) (*mcp.CallToolResult, error) {
			id, _ := rc.ClientID()
			return server.ToolText(fmt.Sprintf("Hello %s, this is request #%d", id, rc.ClientRequestCount())), nil
		}))
	return srv
}

func newHarness(t *testing.T, srv *server.Server) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := NewHandler(srv, WithIO(inR, outW))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, stdinW: inW, served: make(chan error, 1)}

	go func() {
		th.served <- h.Serve(ctx)
	}()

	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outR.Close()
	})
	return th
}

func (th *testHarness) sendLine(line string) {
	th.t.Helper()
	if _, err := th.stdinW.Write([]byte(line + "\n")); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) send(msg *jsonrpc.AnyMessage) {
	th.t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		th.t.Fatalf("marshal: %v", err)
	}
	th.sendLine(string(b))
}

func (th *testHarness) request(id int, method mcp.Method, params any) {
	th.t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(method), params)
	if err != nil {
		th.t.Fatalf("build request: %v", err)
	}
	th.send(req.Message())
}

func (th *testHarness) notify(method mcp.Method) {
	th.t.Helper()
	n, err := jsonrpc.NewNotification(string(method), nil)
	if err != nil {
		th.t.Fatalf("build notification: %v", err)
	}
	th.send(n.Message())
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) *jsonrpc.Response {
	th.t.Helper()
	line, err := th.nextLine(timeout)
	if err != nil {
		th.t.Fatalf("%v", err)
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		th.t.Fatalf("decode %q: %v", line, err)
	}
	if msg.Type() != jsonrpc.TypeResponse {
		th.t.Fatalf("expected response, got %s: %s", msg.Type(), line)
	}
	return msg.AsResponse()
}

func (th *testHarness) handshake() {
	th.t.Helper()
	th.request(1, mcp.InitializeMethod, defaultInitializeRequest())
	resp := th.expectResponse(time.Second)
	if resp.Error != nil {
		th.t.Fatalf("initialize failed: %+v", resp.Error)
	}
	th.notify(mcp.InitializedNotificationMethod)
}

func TestServe_HandshakeAndIdentity(t *testing.T) {
	t.Parallel()

	th := newHarness(t, greetServer())
	th.request(1, mcp.InitializeMethod, defaultInitializeRequest())
	resp := th.expectResponse(time.Second)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	var init mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if init.ServerInfo.Name != "stdio-test" {
		t.Fatalf("server name = %q", init.ServerInfo.Name)
	}
	if init.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability, got %+v", init.Capabilities)
	}
	th.notify(mcp.InitializedNotificationMethod)

	for i, want := range []string{"Hello client, this is request #1", "Hello client, this is request #2"} {
		th.request(10+i, mcp.ToolsCallMethod, mcp.CallToolRequest{Name: "greet"})
		resp := th.expectResponse(time.Second)
		if resp.Error != nil {
			t.Fatalf("call %d failed: %+v", i, resp.Error)
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if len(res.Content) != 1 || res.Content[0].Text != want {
			t.Fatalf("call %d: got %+v, want %q", i, res.Content, want)
		}
	}
}

func TestServe_RejectsRequestsBeforeInitialized(t *testing.T) {
	t.Parallel()

	th := newHarness(t, greetServer())
	th.request(1, mcp.ToolsListMethod, nil)
	resp := th.expectResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("expected not initialized error, got %+v", resp)
	}

	th.request(2, mcp.PingMethod, nil)
	if resp := th.expectResponse(time.Second); resp.Error != nil {
		t.Fatalf("ping before initialize should succeed, got %+v", resp.Error)
	}
}

func TestServe_MalformedLineDoesNotEndSession(t *testing.T) {
	t.Parallel()

	th := newHarness(t, greetServer())
	th.handshake()
	th.sendLine("{not json")
	th.request(2, mcp.PingMethod, nil)
	resp := th.expectResponse(time.Second)
	if resp.Error != nil {
		t.Fatalf("ping after malformed line failed: %+v", resp.Error)
	}
	if got := resp.ID.String(); got != "2" {
		t.Fatalf("response id = %s, want 2", got)
	}
}

func TestServe_EndOfInputEndsSession(t *testing.T) {
	t.Parallel()

	th := newHarness(t, greetServer())
	th.handshake()
	_ = th.stdinW.Close()

	select {
	case err := <-th.served:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Serve did not return after end of input")
	}
}

func TestServe_OnlyOnce(t *testing.T) {
	t.Parallel()

	inR, inW := io.Pipe()
	defer inW.Close()
	h := NewHandler(greetServer(), WithIO(inR, io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()

	// Wait for the first Serve to claim the handler.
	deadline := time.Now().Add(time.Second)
	for !h.served.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := h.Serve(context.Background()); err == nil {
		t.Fatalf("expected second Serve to fail")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
