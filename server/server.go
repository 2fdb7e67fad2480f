// Package server implements the server side of an MCP session.
//
// A Server is a handler registry plus the metadata announced during the
// initialize handshake. Handlers are registered explicitly, by method, and the
// capabilities a session advertises are derived from what is registered at
// the moment the client sends initialize:
//
//	srv := server.New("files", server.WithVersion("1.0.0"))
//	srv.AddTools(server.NewTool("greet", greet))
//	err := srv.Run(ctx, r, w, server.InitOptions{})
//
// Every Session built by a Server tracks the identity of its client and
// counts the requests it makes; handlers read both from the
// session.RequestContext they receive.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"

	"github.com/dgitj/mcp-identity-tracking-sdk/identity"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/dgitj/mcp-identity-tracking-sdk/stream"
)

// ClientIdentifier derives the client id of a session from the initialize
// request. sessionID is the server's own identifier for the session.
type ClientIdentifier func(req *mcp.InitializeRequest, sessionID string) string

// NotificationOptions selects the listChanged flags advertised in the
// capabilities. They only take effect for domains that have handlers.
type NotificationOptions struct {
	PromptsChanged   bool
	ResourcesChanged bool
	ToolsChanged     bool
}

// InitOptions configures one session's handshake.
type InitOptions struct {
	NotificationOptions NotificationOptions
	// Experimental is advertised verbatim under capabilities.experimental.
	Experimental map[string]any
	// Instructions overrides the server-wide instructions for this session.
	Instructions string
	// Lifespan is shared read-only by every request of the session.
	Lifespan any
}

// Server holds handlers and server metadata. It is safe for concurrent use
// and may serve any number of sessions.
type Server struct {
	name         string
	version      string
	instructions string

	registry *session.Registry
	tracker  identity.Tracker
	identify ClientIdentifier
	cfg      session.Config
	log      *slog.Logger

	tools *toolSet

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version announced in serverInfo.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// WithLogger sets the logger used by the server and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTracker replaces the in-memory request counter store.
func WithTracker(t identity.Tracker) Option {
	return func(s *Server) {
		if t != nil {
			s.tracker = t
		}
	}
}

// WithClientIdentifier replaces the default client id derivation, which uses
// clientInfo.name and falls back to the session id.
func WithClientIdentifier(fn ClientIdentifier) Option {
	return func(s *Server) {
		if fn != nil {
			s.identify = fn
		}
	}
}

// WithConfig sets the session configuration used for every session.
func WithConfig(cfg session.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// New creates a Server announcing itself as name. ping is always handled.
func New(name string, opts ...Option) *Server {
	s := &Server{
		name:     name,
		version:  "0.0.0",
		registry: session.NewRegistry(),
		tracker:  identity.NewMemoryTracker(),
		identify: func(req *mcp.InitializeRequest, sessionID string) string {
			return identity.ResolveClientID(&req.ClientInfo, sessionID)
		},
		cfg:      session.DefaultConfig(),
		log:      slog.New(slog.DiscardHandler),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry.Handle(string(mcp.PingMethod), session.HandlerFunc(
		func(context.Context, *session.RequestContext, json.RawMessage) (any, error) {
			return mcp.EmptyResult{}, nil
		}))
	return s
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// Registry exposes the handler registry.
func (s *Server) Registry() *session.Registry { return s.registry }

// Handle registers a raw request handler for method.
func (s *Server) Handle(method string, h session.RequestHandler) {
	s.registry.Handle(method, h)
}

// HandleNotification registers a handler for a client notification.
func (s *Server) HandleNotification(method string, h session.NotificationHandler) {
	s.registry.HandleNotification(method, h)
}

// Capabilities computes the capabilities a session would advertise now. A
// domain is present only when its list (or equivalent) handler is
// registered.
func (s *Server) Capabilities(n NotificationOptions, experimental map[string]any) *mcp.ServerCapabilities {
	caps := &mcp.ServerCapabilities{}
	if s.registry.HasRequestHandler(string(mcp.PromptsListMethod)) {
		caps.Prompts = &mcp.PromptsCapability{ListChanged: n.PromptsChanged}
	}
	if s.registry.HasRequestHandler(string(mcp.ResourcesListMethod)) {
		caps.Resources = &mcp.ResourcesCapability{
			Subscribe:   s.registry.HasRequestHandler(string(mcp.ResourcesSubscribeMethod)),
			ListChanged: n.ResourcesChanged,
		}
	}
	if s.registry.HasRequestHandler(string(mcp.ToolsListMethod)) {
		caps.Tools = &mcp.ToolsCapability{ListChanged: n.ToolsChanged}
	}
	if s.registry.HasRequestHandler(string(mcp.LoggingSetLevelMethod)) {
		caps.Logging = &mcp.LoggingCapability{}
	}
	if s.registry.HasRequestHandler(string(mcp.CompletionCompleteMethod)) {
		caps.Completions = &mcp.CompletionsCapability{}
	}
	if len(experimental) > 0 {
		caps.Experimental = maps.Clone(experimental)
	}
	return caps
}

// Run serves one session over r and w until it ends.
func (s *Server) Run(ctx context.Context, r stream.Reader, w stream.Writer, init InitOptions, opts ...session.Option) error {
	sess := s.NewSession(r, w, init, opts...)
	sess.Start(ctx)
	return sess.Wait()
}

// Sessions returns the sessions currently attached to the server.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) attach(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) detach(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// broadcast runs fn for every ready session whose advertised capabilities
// satisfy promised.
func (s *Server) broadcast(ctx context.Context, event string, promised func(*mcp.ServerCapabilities) bool, fn func(*Session, context.Context) error) {
	for _, sess := range s.Sessions() {
		if sess.State() != session.StateReady {
			continue
		}
		if caps := sess.Capabilities(); caps == nil || !promised(caps) {
			continue
		}
		if err := fn(sess, ctx); err != nil {
			s.log.DebugContext(ctx, "server.broadcast.failed",
				slog.String("event", event),
				slog.String("session_id", sess.id),
				slog.String("err", err.Error()))
		}
	}
}

// NotifyToolListChanged sends notifications/tools/list_changed to every ready
// session that was promised it.
func (s *Server) NotifyToolListChanged(ctx context.Context) {
	s.broadcast(ctx, "tools.list_changed", func(c *mcp.ServerCapabilities) bool {
		return c.Tools != nil && c.Tools.ListChanged
	}, (*Session).SendToolListChanged)
}

// NotifyPromptListChanged sends notifications/prompts/list_changed to every
// ready session that was promised it.
func (s *Server) NotifyPromptListChanged(ctx context.Context) {
	s.broadcast(ctx, "prompts.list_changed", func(c *mcp.ServerCapabilities) bool {
		return c.Prompts != nil && c.Prompts.ListChanged
	}, (*Session).SendPromptListChanged)
}

// NotifyResourceListChanged sends notifications/resources/list_changed to
// every ready session that was promised it.
func (s *Server) NotifyResourceListChanged(ctx context.Context) {
	s.broadcast(ctx, "resources.list_changed", func(c *mcp.ServerCapabilities) bool {
		return c.Resources != nil && c.Resources.ListChanged
	}, (*Session).SendResourceListChanged)
}
