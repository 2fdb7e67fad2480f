package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/dgitj/mcp-identity-tracking-sdk/stream"
	"github.com/google/uuid"
)

var _ session.IdentityTrackingSession = (*Session)(nil)

// Session is the server side of one MCP connection. It answers initialize
// itself, rejects requests other than ping until the client confirms with
// notifications/initialized, and counts every request it admits for a
// handler.
type Session struct {
	srv  *Server
	core *session.Session
	id   string
	init InitOptions
	log  *slog.Logger

	mu              sync.RWMutex
	clientParams    *mcp.InitializeRequest
	caps            *mcp.ServerCapabilities
	clientID        string
	protocolVersion string

	count       atomic.Int64
	logLevel    atomic.Value // mcp.LoggingLevel
	cleanupOnce sync.Once
}

// NewSession builds a session over r and w. Call Start to begin serving.
// opts are applied to the underlying session core after the server's own.
func (srv *Server) NewSession(r stream.Reader, w stream.Writer, init InitOptions, opts ...session.Option) *Session {
	id := uuid.NewString()
	s := &Session{srv: srv, id: id, init: init, clientID: id}

	base := []session.Option{
		session.WithLogger(srv.log),
		session.WithConfig(srv.cfg),
		session.WithRegistry(srv.registry),
		session.WithLifespan(init.Lifespan),
		session.WithID(id),
		session.WithRole("server"),
	}
	base = append(base, opts...)
	base = append(base, session.WithPeer(s), session.WithInterceptor(interceptor{s: s}))
	s.core = session.New(r, w, base...)
	s.log = s.core.Logger()

	srv.attach(s)
	return s
}

// trackerContext bounds a tracker call by the configured TrackerTimeout.
func (s *Session) trackerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.srv.cfg.TrackerTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

// Start begins serving. Cancelling ctx closes the session.
func (s *Session) Start(ctx context.Context) {
	s.core.Start(ctx)
	go func() {
		<-s.core.Done()
		s.cleanup()
	}()
}

func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.srv.detach(s)
		ctx, cancel := s.trackerContext(context.Background())
		defer cancel()
		if err := s.srv.tracker.Forget(ctx, s.id); err != nil {
			s.log.Warn("server.session.forget_failed", slog.String("err", err.Error()))
		}
	})
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.core.Done() }

// Wait blocks until the session ends and returns why it ended.
func (s *Session) Wait() error { return s.core.Wait() }

// Err returns why the session ended, nil after an orderly shutdown.
func (s *Session) Err() error { return s.core.Err() }

// Close ends the session.
func (s *Session) Close() error {
	err := s.core.Close()
	s.cleanup()
	return err
}

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

// ClientID implements session.IdentityTrackingSession. Until initialize it is
// the session id.
func (s *Session) ClientID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID, true
}

// ClientRequestCount implements session.IdentityTrackingSession.
func (s *Session) ClientRequestCount() int64 { return s.count.Load() }

// ClientParams returns the initialize request sent by the client, or nil
// before the handshake.
func (s *Session) ClientParams() *mcp.InitializeRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientParams
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// Capabilities returns a copy of the capabilities advertised during
// initialize, or nil before the handshake.
func (s *Session) Capabilities() *mcp.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.caps == nil {
		return nil
	}
	c := *s.caps
	return &c
}

// CheckClientCapability reports whether the client announced every
// capability set in want.
func (s *Session) CheckClientCapability(want mcp.ClientCapabilities) bool {
	p := s.ClientParams()
	if p == nil {
		return false
	}
	have := p.Capabilities
	if want.Roots != nil {
		if have.Roots == nil {
			return false
		}
		if want.Roots.ListChanged && !have.Roots.ListChanged {
			return false
		}
	}
	if want.Sampling != nil && have.Sampling == nil {
		return false
	}
	for k, v := range want.Experimental {
		hv, ok := have.Experimental[k]
		if !ok || !reflect.DeepEqual(hv, v) {
			return false
		}
	}
	return true
}

// SetLogLevel sets the minimum level SendLogMessage forwards.
func (s *Session) SetLogLevel(level mcp.LoggingLevel) { s.logLevel.Store(level) }

// SendLogMessage sends notifications/message. Messages below the level the
// client asked for with logging/setLevel are dropped.
func (s *Session) SendLogMessage(ctx context.Context, level mcp.LoggingLevel, data any, logger string) error {
	if min, ok := s.logLevel.Load().(mcp.LoggingLevel); ok && !level.AtLeast(min) {
		return nil
	}
	return s.SendNotification(ctx, string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotification{
		Level:  level,
		Data:   data,
		Logger: logger,
	})
}

// SendResourceUpdated tells the client that the resource at uri changed.
func (s *Session) SendResourceUpdated(ctx context.Context, uri string) error {
	return s.SendNotification(ctx, string(mcp.ResourcesUpdatedNotificationMethod), mcp.ResourceUpdatedNotification{URI: uri})
}

// SendProgress reports progress for the request that carried token.
func (s *Session) SendProgress(ctx context.Context, token mcp.ProgressToken, progress, total float64, message string) error {
	return s.SendNotification(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// SendToolListChanged sends notifications/tools/list_changed.
func (s *Session) SendToolListChanged(ctx context.Context) error {
	return s.SendNotification(ctx, string(mcp.ToolsListChangedNotificationMethod), nil)
}

// SendPromptListChanged sends notifications/prompts/list_changed.
func (s *Session) SendPromptListChanged(ctx context.Context) error {
	return s.SendNotification(ctx, string(mcp.PromptsListChangedNotificationMethod), nil)
}

// SendResourceListChanged sends notifications/resources/list_changed.
func (s *Session) SendResourceListChanged(ctx context.Context) error {
	return s.SendNotification(ctx, string(mcp.ResourcesListChangedNotificationMethod), nil)
}

// CreateMessage asks the client to sample from its model.
func (s *Session) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	var res mcp.CreateMessageResult
	if err := session.Call(ctx, s, string(mcp.SamplingCreateMessageMethod), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListRoots asks the client for its roots.
func (s *Session) ListRoots(ctx context.Context) (*mcp.ListRootsResult, error) {
	var res mcp.ListRootsResult
	if err := session.Call(ctx, s, string(mcp.RootsListMethod), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks that the client is responsive.
func (s *Session) Ping(ctx context.Context) error {
	return session.Call(ctx, s, string(mcp.PingMethod), nil, nil)
}

func (s *Session) initialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var p mcp.InitializeRequest
	if len(req.Params) == 0 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "initialize requires params", nil)
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params: "+err.Error(), nil)
	}
	if !s.core.Transition(session.StateUninitialized, session.StateInitializing) {
		s.log.WarnContext(ctx, "server.session.reinitialize", slog.String("state", s.core.State().String()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	}

	version := p.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}
	caps := s.srv.Capabilities(s.init.NotificationOptions, s.init.Experimental)
	clientID := s.srv.identify(&p, s.id)

	s.mu.Lock()
	s.clientParams = &p
	s.caps = caps
	s.clientID = clientID
	s.protocolVersion = version
	s.mu.Unlock()

	instructions := s.init.Instructions
	if instructions == "" {
		instructions = s.srv.instructions
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    *caps,
		ServerInfo:      mcp.ImplementationInfo{Name: s.srv.name, Version: s.srv.version},
		Instructions:    instructions,
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}

	s.log.InfoContext(ctx, "server.session.initialized",
		slog.String("client_id", clientID),
		slog.String("client_name", p.ClientInfo.Name),
		slog.String("client_version", p.ClientInfo.Version),
		slog.String("protocol_version", version))
	return resp
}

// interceptor runs the server lifecycle inline in the dispatch loop so that
// the handshake and the request counter observe envelopes in arrival order.
type interceptor struct{ s *Session }

func (i interceptor) InterceptRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, bool) {
	s := i.s
	if req.Method == string(mcp.InitializeMethod) {
		return s.initialize(ctx, req), true
	}
	if s.core.State() != session.StateReady && req.Method != string(mcp.PingMethod) {
		s.log.WarnContext(ctx, "server.session.not_initialized", slog.String("state", s.core.State().String()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "not initialized", nil), true
	}
	if !s.srv.registry.HasRequestHandler(req.Method) {
		return nil, false
	}

	tctx, cancel := s.trackerContext(ctx)
	n, err := s.srv.tracker.Increment(tctx, s.id)
	cancel()
	if err != nil {
		s.log.ErrorContext(ctx, "server.session.track_failed", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request tracking unavailable", nil), true
	}
	s.count.Store(n)
	return nil, false
}

func (i interceptor) InterceptNotification(ctx context.Context, note *jsonrpc.Request) bool {
	s := i.s
	if note.Method != string(mcp.InitializedNotificationMethod) {
		return false
	}
	if !s.core.Transition(session.StateInitializing, session.StateReady) {
		s.core.ReportProtocolError(ctx, &session.ProtocolError{
			Reason: "initialized notification in state " + s.core.State().String(),
			Method: note.Method,
		})
		return true
	}
	s.log.InfoContext(ctx, "server.session.ready")
	return true
}
