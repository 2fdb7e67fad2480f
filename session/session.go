package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dgitj/mcp-identity-tracking-sdk/internal/logctx"
	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/stream"
)

var _ Peer = (*Session)(nil)

// Session is the role-agnostic core shared by client and server sessions. It
// owns one reader/writer pair and a single dispatch loop that routes inbound
// responses to pending requests, and inbound requests and notifications to
// registered handlers, each in its own goroutine.
type Session struct {
	r stream.Reader
	w stream.Writer

	log         *slog.Logger
	cfg         Config
	registry    *Registry
	lifespan    any
	peer        Peer
	interceptor Interceptor
	gate        SendGate
	onError     ErrorHandler
	id          string
	role        string

	state    atomic.Int32
	pending  *pendingTable
	inflight *inflightTable

	ctx    context.Context
	cancel context.CancelCauseFunc

	startOnce sync.Once
	stopWatch func() bool
	loopDone  chan struct{}
	done      chan struct{}
	handlers  sync.WaitGroup

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// New builds a Session over r and w. The dispatch loop starts with Start.
func New(r stream.Reader, w stream.Writer, opts ...Option) *Session {
	s := &Session{
		r:        r,
		w:        w,
		log:      slog.New(slog.DiscardHandler),
		cfg:      DefaultConfig(),
		registry: NewRegistry(),
		role:     "peer",
		pending:  newPendingTable(),
		inflight: newInflightTable(),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.peer == nil {
		s.peer = s
	}
	s.log = logctx.Wrap(s.log)
	s.ctx, s.cancel = context.WithCancelCause(logctx.WithSession(context.Background(), &logctx.Session{
		ID:       s.id,
		Role:     s.role,
		ClientID: s.peerClientID,
	}))
	return s
}

func (s *Session) peerClientID() (string, bool) {
	if it, ok := s.peer.(IdentityTrackingSession); ok {
		return it.ClientID()
	}
	return "", false
}

// Start launches the dispatch loop. Cancelling ctx closes the session. Only
// the first call has an effect.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if ctx != nil {
			s.stopWatch = context.AfterFunc(ctx, func() { s.fail(context.Cause(ctx)) })
		}
		go s.run()
		go func() {
			<-s.loopDone
			s.handlers.Wait()
			if s.stopWatch != nil {
				s.stopWatch()
			}
			close(s.done)
		}()
	})
}

// Done is closed once the loop has exited and every handler has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until Done and returns Err.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

// Err returns why the session ended. It is nil while running and after an
// orderly shutdown (peer closed its channel, or Close was called).
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears the session down: the writer is closed, the loop stops and
// every pending request fails with ErrConnectionClosed.
func (s *Session) Close() error {
	s.fail(ErrConnectionClosed)
	s.startOnce.Do(func() {
		close(s.loopDone)
		close(s.done)
	})
	return nil
}

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Transition moves the session from one state to another and reports whether
// it did. Role sessions use it to drive the handshake.
func (s *Session) Transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// ID returns the identifier used in logs.
func (s *Session) ID() string { return s.id }

// Registry returns the handler registry.
func (s *Session) Registry() *Registry { return s.registry }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.log }

// Context returns a context that is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Lifespan returns the shared lifespan value.
func (s *Session) Lifespan() any { return s.lifespan }

// SendRequest sends a request and waits for its response. Peer errors are
// returned as *RequestError; ErrConnectionClosed is returned when the session
// closes first. Cancelling ctx abandons the request and tells the peer with
// notifications/cancelled.
func (s *Session) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.gate != nil {
		if err := s.gate(method, false); err != nil {
			return nil, err
		}
	}
	if s.State() == StateClosed {
		return nil, ErrConnectionClosed
	}

	id, pc, err := s.pending.register(method)
	if err != nil {
		return nil, err
	}
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		s.pending.forget(id)
		return nil, err
	}

	if s.cfg.RequestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}
	}

	s.log.DebugContext(ctx, "session.request.send", slog.String("method", method), slog.String("id", id.String()))
	if err := s.write(ctx, req.Message()); err != nil {
		s.pending.forget(id)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			return nil, requestErrorFromWire(resp.Error)
		}
		return resp.Result, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		s.pending.abandon(id)
		reason := context.Cause(ctx).Error()
		if err := s.SendNotification(context.WithoutCancel(ctx), string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{
			RequestID: id,
			Reason:    reason,
		}); err != nil {
			s.log.DebugContext(ctx, "session.request.cancel_notify_failed", slog.String("err", err.Error()))
		}
		return nil, ctx.Err()
	}
}

// SendNotification sends a notification without waiting for anything.
func (s *Session) SendNotification(ctx context.Context, method string, params any) error {
	if s.gate != nil {
		if err := s.gate(method, true); err != nil {
			return err
		}
	}
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.write(ctx, n.Message())
}

// Call sends a request and decodes its result into out (which may be nil).
func (s *Session) Call(ctx context.Context, method string, params any, out any) error {
	return Call(ctx, s, method, params, out)
}

// Call sends a request through p and decodes the result into out.
func Call(ctx context.Context, p Peer, method string, params any, out any) error {
	raw, err := p.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (s *Session) write(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	if s.State() == StateClosed {
		return ErrConnectionClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.w.Send(ctx, msg); err != nil {
		if errors.Is(err, stream.ErrClosed) {
			s.fail(ErrConnectionClosed)
			return ErrConnectionClosed
		}
		if s.ctx.Err() != nil {
			return ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (s *Session) run() {
	defer close(s.loopDone)
	ctx := s.ctx
	s.log.DebugContext(ctx, "session.loop.start")

	for {
		msg, err := s.r.Receive(ctx)
		if err != nil {
			if stream.IsTerminal(err) || ctx.Err() != nil {
				s.fail(err)
				s.log.DebugContext(ctx, "session.loop.stop", slog.String("cause", err.Error()))
				return
			}
			s.protocolError(ctx, &ProtocolError{Reason: "malformed message", Err: err})
			continue
		}
		if msg == nil {
			continue
		}
		s.dispatch(ctx, msg)
	}
}

func (s *Session) dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) {
	switch msg.Type() {
	case jsonrpc.TypeResponse:
		s.handleResponse(ctx, msg.AsResponse())
	case jsonrpc.TypeNotification:
		s.handleNotification(ctx, msg.AsRequest())
	case jsonrpc.TypeRequest:
		s.handleRequest(ctx, msg.AsRequest())
	}
}

func (s *Session) handleResponse(ctx context.Context, resp *jsonrpc.Response) {
	if resp.ID.IsNil() {
		perr := &ProtocolError{Reason: "response without id"}
		if resp.Error != nil {
			perr.Err = requestErrorFromWire(resp.Error)
		}
		s.protocolError(ctx, perr)
		return
	}
	if !s.pending.resolve(resp) {
		s.protocolError(ctx, &ProtocolError{Reason: "response for unknown request id", ID: resp.ID})
	}
}

func (s *Session) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	ctx = logctx.WithMessage(ctx, logctx.Message{Method: note.Method, Kind: jsonrpc.TypeNotification})

	if note.Method == string(mcp.CancelledNotificationMethod) {
		s.handleCancelled(ctx, note)
		return
	}
	if s.interceptor != nil && s.interceptor.InterceptNotification(ctx, note) {
		return
	}

	h, ok := s.registry.NotificationHandler(note.Method)
	if !ok {
		s.log.DebugContext(ctx, "session.notification.unhandled")
		return
	}
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.log.ErrorContext(ctx, "session.notification.panic",
					slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			}
		}()
		h.ServeNotification(ctx, s.peer, note.Params)
	}()
}

func (s *Session) handleCancelled(ctx context.Context, note *jsonrpc.Request) {
	var p mcp.CancelledNotification
	if err := json.Unmarshal(note.Params, &p); err != nil || p.RequestID.IsNil() {
		s.protocolError(ctx, &ProtocolError{Reason: "invalid cancellation", Method: note.Method, Err: err})
		return
	}
	r, ok := s.inflight.get(p.RequestID)
	if !ok {
		// Already answered, or never seen: nothing to cancel.
		s.log.DebugContext(ctx, "session.cancel.unknown", slog.String("id", p.RequestID.String()))
		return
	}
	s.log.InfoContext(ctx, "session.cancel", slog.String("id", p.RequestID.String()), slog.String("reason", p.Reason))
	r.markCancelled(p.Reason)
}

func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	ctx = logctx.WithMessage(ctx, logctx.Message{Method: req.Method, ID: req.ID.String(), Kind: jsonrpc.TypeRequest})

	// Only the loop adds to inflight, so an id absent here is still absent
	// when the request is admitted below.
	if _, busy := s.inflight.get(req.ID); busy {
		s.protocolError(ctx, &ProtocolError{Reason: "duplicate request id", ID: req.ID, Method: req.Method})
		return
	}

	if s.interceptor != nil {
		if resp, handled := s.interceptor.InterceptRequest(ctx, req); handled {
			if resp != nil {
				if err := s.write(ctx, resp.Message()); err != nil {
					s.log.WarnContext(ctx, "session.request.intercept_write_failed", slog.String("err", err.Error()))
				}
			}
			return
		}
	}

	h, ok := s.registry.RequestHandler(req.Method)
	if !ok {
		s.log.DebugContext(ctx, "session.request.method_not_found")
		resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
		if err := s.write(ctx, resp.Message()); err != nil {
			s.log.WarnContext(ctx, "session.request.write_failed", slog.String("err", err.Error()))
		}
		return
	}

	hctx, cancel := context.WithCancelCause(ctx)
	r := newResponder(s, req.ID, req.Method, cancel)
	if !s.inflight.add(req.ID, r) {
		cancel(nil)
		s.protocolError(ctx, &ProtocolError{Reason: "duplicate request id", ID: req.ID, Method: req.Method})
		return
	}
	rc := newRequestContext(req.ID, req.Method, req.Params, s.peer, s.lifespan)

	s.log.DebugContext(ctx, "session.request.dispatch")
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer cancel(nil)
		defer func() {
			if rec := recover(); rec != nil {
				s.log.ErrorContext(hctx, "session.request.panic",
					slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
				if !r.Responded() {
					_ = r.RespondError(hctx, jsonrpc.ErrorCodeInternalError, "internal error", nil)
				}
			}
		}()

		h.ServeRequest(hctx, rc, req.Params, r)

		if !r.Responded() {
			s.log.WarnContext(hctx, "session.request.no_response")
			_ = r.RespondError(hctx, jsonrpc.ErrorCodeInternalError, "handler returned without responding", nil)
		}
	}()
}

// ReportProtocolError surfaces err the way the dispatch loop does: it is
// logged, passed to the ErrorHandler and, under PolicyClose, closes the
// session.
func (s *Session) ReportProtocolError(ctx context.Context, err *ProtocolError) {
	s.protocolError(ctx, err)
}

func (s *Session) protocolError(ctx context.Context, err *ProtocolError) {
	s.log.WarnContext(ctx, "session.protocol_error", slog.String("err", err.Error()))
	if s.onError != nil {
		s.onError(ctx, err)
	}
	if s.cfg.ProtocolErrorPolicy == PolicyClose {
		s.fail(err)
	}
}

// fail closes the session once, recording cause unless it denotes an
// orderly shutdown.
func (s *Session) fail(cause error) {
	s.closeOnce.Do(func() {
		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, stream.ErrClosed) &&
			!errors.Is(cause, ErrConnectionClosed) && !errors.Is(cause, context.Canceled) {
			s.errMu.Lock()
			s.err = cause
			s.errMu.Unlock()
		}
		s.state.Store(int32(StateClosed))
		s.pending.close(ErrConnectionClosed)
		s.cancel(ErrConnectionClosed)
		_ = s.w.Close()
		_ = s.r.Close()
		s.log.InfoContext(s.ctx, "session.closed", slog.Int("inflight", s.inflight.len()))
	})
}

// inflightTable tracks inbound requests whose handlers are still running.
type inflightTable struct {
	mu   sync.Mutex
	reqs map[string]*Responder
}

func newInflightTable() *inflightTable {
	return &inflightTable{reqs: make(map[string]*Responder)}
}

func (t *inflightTable) add(id *jsonrpc.RequestID, r *Responder) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.reqs[id.Key()]; exists {
		return false
	}
	t.reqs[id.Key()] = r
	return true
}

func (t *inflightTable) get(id *jsonrpc.RequestID) (*Responder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.reqs[id.Key()]
	return r, ok
}

func (t *inflightTable) remove(id *jsonrpc.RequestID, r *Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.reqs[id.Key()]; ok && cur == r {
		delete(t.reqs, id.Key())
	}
}

func (t *inflightTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reqs)
}
