// Package client implements the client side of an MCP session.
//
// A Session drives the initialize handshake and refuses to send anything else
// until it completes:
//
//	cs, err := client.Connect(ctx, r, w, client.WithClientInfo("my-client", "1.0.0"))
//	if err != nil {
//		return err
//	}
//	defer cs.Close()
//	res, err := cs.CallTool(ctx, "greet", map[string]any{"name": "Ada"})
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/dgitj/mcp-identity-tracking-sdk/stream"
)

const (
	// DefaultClientName is announced in clientInfo unless overridden.
	DefaultClientName    = "mcp"
	defaultClientVersion = "0.1.0"
)

// NotificationHandler receives server notifications: log messages, progress,
// resource updates and list changes.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// SamplingHandler answers sampling/createMessage requests from the server.
type SamplingHandler func(ctx context.Context, rc *session.RequestContext, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)

// RootsHandler answers roots/list requests from the server.
type RootsHandler func(ctx context.Context, rc *session.RequestContext) (*mcp.ListRootsResult, error)

var serverNotifications = []mcp.Method{
	mcp.LoggingMessageNotificationMethod,
	mcp.ProgressNotificationMethod,
	mcp.ResourcesUpdatedNotificationMethod,
	mcp.ResourcesListChangedNotificationMethod,
	mcp.ToolsListChangedNotificationMethod,
	mcp.PromptsListChangedNotificationMethod,
}

// Session is the client side of one MCP connection.
type Session struct {
	core *session.Session
	log  *slog.Logger

	info            mcp.ImplementationInfo
	protocolVersion string
	caps            mcp.ClientCapabilities
	onNotify        NotificationHandler
	sampling        SamplingHandler
	roots           RootsHandler
	coreOpts        []session.Option

	mu     sync.RWMutex
	result *mcp.InitializeResult
}

var _ session.Peer = (*Session)(nil)

// Option configures a Session.
type Option func(*Session)

// WithClientInfo sets the implementation announced in initialize. The server
// uses the name as this client's identifier.
func WithClientInfo(name, version string) Option {
	return func(s *Session) { s.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithProtocolVersion sets the protocol version requested in initialize.
func WithProtocolVersion(v string) Option {
	return func(s *Session) { s.protocolVersion = v }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.coreOpts = append(s.coreOpts, session.WithLogger(l)) }
}

// WithConfig sets the session configuration.
func WithConfig(cfg session.Config) Option {
	return func(s *Session) { s.coreOpts = append(s.coreOpts, session.WithConfig(cfg)) }
}

// WithSessionOptions passes options through to the session core.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Session) { s.coreOpts = append(s.coreOpts, opts...) }
}

// WithNotificationHandler sets the receiver of server notifications.
func WithNotificationHandler(fn NotificationHandler) Option {
	return func(s *Session) { s.onNotify = fn }
}

// WithSamplingHandler answers sampling/createMessage and advertises the
// sampling capability.
func WithSamplingHandler(fn SamplingHandler) Option {
	return func(s *Session) {
		s.sampling = fn
		s.caps.Sampling = &mcp.SamplingCapability{}
	}
}

// WithRootsHandler answers roots/list and advertises the roots capability.
// listChanged promises notifications/roots/list_changed.
func WithRootsHandler(fn RootsHandler, listChanged bool) Option {
	return func(s *Session) {
		s.roots = fn
		s.caps.Roots = &mcp.RootsCapability{ListChanged: listChanged}
	}
}

// WithExperimental advertises experimental client capabilities.
func WithExperimental(exp map[string]any) Option {
	return func(s *Session) { s.caps.Experimental = exp }
}

// New builds a client session over r and w. Start it, then call Initialize;
// Connect does both.
func New(r stream.Reader, w stream.Writer, opts ...Option) *Session {
	s := &Session{
		info:            mcp.ImplementationInfo{Name: DefaultClientName, Version: defaultClientVersion},
		protocolVersion: mcp.LatestProtocolVersion,
	}
	for _, opt := range opts {
		opt(s)
	}

	reg := session.NewRegistry()
	reg.Handle(string(mcp.PingMethod), session.HandlerFunc(
		func(context.Context, *session.RequestContext, json.RawMessage) (any, error) {
			return mcp.EmptyResult{}, nil
		}))
	if s.sampling != nil {
		fn := s.sampling
		reg.Handle(string(mcp.SamplingCreateMessageMethod), session.TypedHandler(
			func(ctx context.Context, rc *session.RequestContext, req mcp.CreateMessageRequest) (any, error) {
				return fn(ctx, rc, &req)
			}))
	}
	if s.roots != nil {
		fn := s.roots
		reg.Handle(string(mcp.RootsListMethod), session.HandlerFunc(
			func(ctx context.Context, rc *session.RequestContext, _ json.RawMessage) (any, error) {
				return fn(ctx, rc)
			}))
	}
	if s.onNotify != nil {
		fn := s.onNotify
		for _, m := range serverNotifications {
			method := string(m)
			reg.HandleNotification(method, session.NotificationHandlerFunc(
				func(ctx context.Context, _ session.Peer, params json.RawMessage) {
					fn(ctx, method, params)
				}))
		}
	}

	coreOpts := append([]session.Option{
		session.WithRole("client"),
		session.WithRegistry(reg),
	}, s.coreOpts...)
	coreOpts = append(coreOpts, session.WithPeer(s), session.WithSendGate(s.gate))
	s.core = session.New(r, w, coreOpts...)
	s.log = s.core.Logger()
	return s
}

// Connect builds a session, starts it and performs the handshake. ctx bounds
// the handshake only; the session lives until Close or until the server goes
// away. On failure the session is closed.
func Connect(ctx context.Context, r stream.Reader, w stream.Writer, opts ...Option) (*Session, error) {
	s := New(r, w, opts...)
	s.Start(context.Background())
	if _, err := s.Initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// gate rejects traffic the lifecycle does not allow yet.
func (s *Session) gate(method string, notification bool) error {
	if s.core.State() == session.StateReady {
		return nil
	}
	if notification {
		switch mcp.Method(method) {
		case mcp.InitializedNotificationMethod, mcp.CancelledNotificationMethod:
			return nil
		}
	} else if mcp.Method(method) == mcp.InitializeMethod {
		return nil
	}
	return fmt.Errorf("%w: cannot send %s in state %s", session.ErrNotInitialized, method, s.core.State())
}

// Initialize performs the handshake: initialize, then
// notifications/initialized. Failures wrap session.ErrHandshakeFailed.
func (s *Session) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	if !s.core.Transition(session.StateUninitialized, session.StateInitializing) {
		return nil, fmt.Errorf("%w: session is %s", session.ErrHandshakeFailed, s.core.State())
	}

	var res mcp.InitializeResult
	err := session.Call(ctx, s.core, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: s.protocolVersion,
		Capabilities:    s.caps,
		ClientInfo:      s.info,
	}, &res)
	if err != nil {
		s.core.Transition(session.StateInitializing, session.StateUninitialized)
		return nil, fmt.Errorf("%w: initialize: %w", session.ErrHandshakeFailed, err)
	}
	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		s.core.Transition(session.StateInitializing, session.StateUninitialized)
		return nil, fmt.Errorf("%w: unsupported protocol version %q", session.ErrHandshakeFailed, res.ProtocolVersion)
	}

	s.mu.Lock()
	s.result = &res
	s.mu.Unlock()

	if err := s.core.SendNotification(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return nil, fmt.Errorf("%w: initialized: %w", session.ErrHandshakeFailed, err)
	}
	if !s.core.Transition(session.StateInitializing, session.StateReady) {
		return nil, fmt.Errorf("%w: session is %s", session.ErrHandshakeFailed, s.core.State())
	}
	s.log.InfoContext(ctx, "client.session.ready",
		slog.String("server", res.ServerInfo.Name),
		slog.String("protocol_version", res.ProtocolVersion))
	return &res, nil
}

// Start launches the dispatch loop.
func (s *Session) Start(ctx context.Context) { s.core.Start(ctx) }

// Close ends the session. Pending requests fail with ErrConnectionClosed.
func (s *Session) Close() error { return s.core.Close() }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.core.Done() }

// Wait blocks until the session ends.
func (s *Session) Wait() error { return s.core.Wait() }

// State returns the lifecycle state.
func (s *Session) State() session.State { return s.core.State() }

// SendRequest implements session.Peer.
func (s *Session) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.core.SendRequest(ctx, method, params)
}

// SendNotification implements session.Peer.
func (s *Session) SendNotification(ctx context.Context, method string, params any) error {
	return s.core.SendNotification(ctx, method, params)
}

// InitializeResult returns the server's answer to initialize, or nil before
// the handshake.
func (s *Session) InitializeResult() *mcp.InitializeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// ServerCapabilities returns the capabilities the server advertised.
func (s *Session) ServerCapabilities() (mcp.ServerCapabilities, error) {
	res := s.InitializeResult()
	if res == nil {
		return mcp.ServerCapabilities{}, errors.New("client: not initialized")
	}
	return res.Capabilities, nil
}
