package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dgitj/mcp-identity-tracking-sdk/client"
	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/server"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/dgitj/mcp-identity-tracking-sdk/sessiontest"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeServer starts a bare session core that answers initialize with fn.
func fakeServer(t *testing.T, fn func(ctx context.Context, rc *session.RequestContext, params json.RawMessage) (any, error)) (*client.Session, *session.Session) {
	t.Helper()
	cr, cw, sr, sw := sessiontest.Pipes()
	reg := session.NewRegistry()
	reg.Handle(string(mcp.InitializeMethod), session.HandlerFunc(fn))
	srv := session.New(sr, sw, session.WithRegistry(reg))
	srv.Start(context.Background())
	cs := client.New(cr, cw)
	cs.Start(context.Background())
	t.Cleanup(func() {
		_ = cs.Close()
		_ = srv.Close()
	})
	return cs, srv
}

func TestRequestsBlockedBeforeHandshake(t *testing.T) {
	t.Parallel()

	cs, _ := sessiontest.NewPair(t, server.New("gate"), server.InitOptions{})
	cs.Start(context.Background())
	ctx := testContext(t)

	if err := cs.Ping(ctx); !errors.Is(err, session.ErrNotInitialized) {
		t.Fatalf("ping before handshake: expected ErrNotInitialized, got %v", err)
	}
	if err := cs.SendRootsListChanged(ctx); !errors.Is(err, session.ErrNotInitialized) {
		t.Fatalf("notification before handshake: expected ErrNotInitialized, got %v", err)
	}
	if _, err := cs.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := cs.Ping(ctx); err != nil {
		t.Fatalf("ping after handshake: %v", err)
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	t.Parallel()

	cs, _ := sessiontest.Connect(t, server.New("twice"), server.InitOptions{})
	if _, err := cs.Initialize(testContext(t)); !errors.Is(err, session.ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
	if cs.State() != session.StateReady {
		t.Fatalf("state = %s, want ready", cs.State())
	}
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	t.Parallel()

	cs, _ := fakeServer(t, func(context.Context, *session.RequestContext, json.RawMessage) (any, error) {
		return mcp.InitializeResult{
			ProtocolVersion: "1900-01-01",
			ServerInfo:      mcp.ImplementationInfo{Name: "old", Version: "0"},
		}, nil
	})
	_, err := cs.Initialize(testContext(t))
	if !errors.Is(err, session.ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
	if cs.State() != session.StateUninitialized {
		t.Fatalf("state = %s, want uninitialized", cs.State())
	}
	if cs.InitializeResult() != nil {
		t.Fatalf("initialize result stored after failed handshake")
	}
}

func TestHandshakeSurfacesServerError(t *testing.T) {
	t.Parallel()

	cs, _ := fakeServer(t, func(context.Context, *session.RequestContext, json.RawMessage) (any, error) {
		return nil, session.NewRequestError(jsonrpc.ErrorCodeInvalidParams, "no thanks", nil)
	})
	_, err := cs.Initialize(testContext(t))
	if !errors.Is(err, session.ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
	var re *session.RequestError
	if !errors.As(err, &re) || re.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected wrapped request error, got %v", err)
	}
}

func TestConnectClosesOnFailure(t *testing.T) {
	t.Parallel()

	cr, cw, sr, sw := sessiontest.Pipes()
	reg := session.NewRegistry()
	reg.Handle(string(mcp.InitializeMethod), session.HandlerFunc(
		func(context.Context, *session.RequestContext, json.RawMessage) (any, error) {
			return nil, errors.New("nope")
		}))
	srv := session.New(sr, sw, session.WithRegistry(reg))
	srv.Start(context.Background())
	t.Cleanup(func() { _ = srv.Close() })

	cs, err := client.Connect(testContext(t), cr, cw)
	if err == nil || cs != nil {
		t.Fatalf("expected Connect to fail, got %v, %v", cs, err)
	}
	select {
	case <-srv.Done():
	case <-time.After(time.Second):
		t.Fatalf("server did not observe the client closing")
	}
}

func TestInitializeAnnouncesClient(t *testing.T) {
	t.Parallel()

	got := make(chan mcp.InitializeRequest, 1)
	cr, cw, sr, sw := sessiontest.Pipes()
	reg := session.NewRegistry()
	reg.Handle(string(mcp.InitializeMethod), session.TypedHandler(
		func(_ context.Context, _ *session.RequestContext, req mcp.InitializeRequest) (any, error) {
			got <- req
			return mcp.InitializeResult{ProtocolVersion: req.ProtocolVersion, ServerInfo: mcp.ImplementationInfo{Name: "s", Version: "1"}}, nil
		}))
	srv := session.New(sr, sw, session.WithRegistry(reg))
	srv.Start(context.Background())
	t.Cleanup(func() { _ = srv.Close() })

	cs, err := client.Connect(testContext(t), cr, cw,
		client.WithClientInfo("announcer", "3.1"),
		client.WithRootsHandler(func(context.Context, *session.RequestContext) (*mcp.ListRootsResult, error) {
			return &mcp.ListRootsResult{}, nil
		}, true),
		client.WithExperimental(map[string]any{"feature": true}),
	)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	req := <-got
	if req.ClientInfo.Name != "announcer" || req.ClientInfo.Version != "3.1" {
		t.Fatalf("client info = %+v", req.ClientInfo)
	}
	if req.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version = %q", req.ProtocolVersion)
	}
	if req.Capabilities.Roots == nil || !req.Capabilities.Roots.ListChanged || req.Capabilities.Sampling != nil {
		t.Fatalf("capabilities = %+v", req.Capabilities)
	}
	if req.Capabilities.Experimental["feature"] != true {
		t.Fatalf("experimental = %+v", req.Capabilities.Experimental)
	}
}

func TestServerNotificationsReachHandler(t *testing.T) {
	t.Parallel()

	type note struct {
		method string
		params json.RawMessage
	}
	notes := make(chan note, 8)
	_, ss := sessiontest.Connect(t, server.New("notify"), server.InitOptions{},
		client.WithNotificationHandler(func(_ context.Context, method string, params json.RawMessage) {
			notes <- note{method, params}
		}))

	if err := ss.SendProgress(testContext(t), "tok", 1, 2, "half"); err != nil {
		t.Fatalf("send progress: %v", err)
	}
	select {
	case n := <-notes:
		if n.method != string(mcp.ProgressNotificationMethod) {
			t.Fatalf("method = %s", n.method)
		}
		var p mcp.ProgressNotificationParams
		if err := json.Unmarshal(n.params, &p); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		if p.ProgressToken != "tok" || p.Progress != 1 || p.Total != 2 || p.Message != "half" {
			t.Fatalf("progress = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("no progress notification")
	}
}

func TestClientNotificationsReachServer(t *testing.T) {
	t.Parallel()

	srv := server.New("roots")
	changed := make(chan struct{}, 1)
	srv.HandleNotification(string(mcp.RootsListChangedNotificationMethod), session.NotificationHandlerFunc(
		func(context.Context, session.Peer, json.RawMessage) { changed <- struct{}{} }))

	cs, _ := sessiontest.Connect(t, srv, server.InitOptions{})
	if err := cs.SendRootsListChanged(testContext(t)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("server did not receive roots/list_changed")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	t.Parallel()

	srv := server.New("slow")
	started := make(chan struct{})
	srv.AddTools(server.NewTool("wait", func(ctx context.Context, _ *session.RequestContext, _ struct{}) (*mcp.CallToolResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	cs, _ := sessiontest.Connect(t, srv, server.InitOptions{})

	errc := make(chan error, 1)
	go func() {
		_, err := cs.CallTool(context.Background(), "wait", nil)
		errc <- err
	}()
	<-started
	_ = cs.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, session.ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending call not released by Close")
	}
}
