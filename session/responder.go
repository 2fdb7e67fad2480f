package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

var errRequestCancelled = errors.New("request cancelled by peer")

// CancelledByPeer reports whether ctx, a handler context, ended because the
// peer cancelled the request.
func CancelledByPeer(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errRequestCancelled)
}

// Responder is the handle through which a handler answers one inbound
// request. It allows exactly one response and exposes whether the peer
// cancelled the request.
type Responder struct {
	id     *jsonrpc.RequestID
	method string
	sess   *Session

	responded atomic.Bool
	cancelled atomic.Bool
	cancel    context.CancelCauseFunc
}

func newResponder(s *Session, id *jsonrpc.RequestID, method string, cancel context.CancelCauseFunc) *Responder {
	return &Responder{id: id, method: method, sess: s, cancel: cancel}
}

// ID returns the id of the request being answered.
func (r *Responder) ID() *jsonrpc.RequestID { return r.id }

// Method returns the method of the request being answered.
func (r *Responder) Method() string { return r.method }

// Cancelled reports whether the peer sent notifications/cancelled for this
// request. Handlers should stop work and respond promptly once it is true.
func (r *Responder) Cancelled() bool { return r.cancelled.Load() }

// Responded reports whether a response was already sent.
func (r *Responder) Responded() bool { return r.responded.Load() }

// Respond sends a successful response carrying result.
func (r *Responder) Respond(ctx context.Context, result any) error {
	if !r.responded.CompareAndSwap(false, true) {
		return r.sess.alreadyResponded(ctx, r)
	}
	resp, err := jsonrpc.NewResultResponse(r.id, result)
	if err != nil {
		// Still owe the peer an answer.
		resp = jsonrpc.NewErrorResponse(r.id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return r.finish(ctx, resp)
}

// RespondError sends an error response.
func (r *Responder) RespondError(ctx context.Context, code jsonrpc.ErrorCode, message string, data any) error {
	if !r.responded.CompareAndSwap(false, true) {
		return r.sess.alreadyResponded(ctx, r)
	}
	return r.finish(ctx, jsonrpc.NewErrorResponse(r.id, code, message, data))
}

// RespondWithError maps err to a JSON-RPC error (see HandlerFunc) and sends it.
func (r *Responder) RespondWithError(ctx context.Context, err error) error {
	code, msg, data := errorToWire(err, r.Cancelled())
	return r.RespondError(ctx, code, msg, data)
}

func (r *Responder) finish(ctx context.Context, resp *jsonrpc.Response) error {
	defer r.sess.inflight.remove(r.id, r)
	// The handler context may already be cancelled; the response must still go out.
	if err := r.sess.write(context.WithoutCancel(ctx), resp.Message()); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

// markCancelled flags the request as cancelled and cancels the handler context.
func (r *Responder) markCancelled(reason string) {
	if !r.cancelled.CompareAndSwap(false, true) {
		return
	}
	cause := errRequestCancelled
	if reason != "" {
		cause = fmt.Errorf("%w: %s", errRequestCancelled, reason)
	}
	if r.cancel != nil {
		r.cancel(cause)
	}
}

func (s *Session) alreadyResponded(ctx context.Context, r *Responder) error {
	s.log.WarnContext(ctx, "session.respond.duplicate",
		slog.String("method", r.method),
		slog.String("id", r.id.String()))
	if s.cfg.DuplicateResponsePolicy == PolicyClose {
		s.fail(fmt.Errorf("%w: duplicate response for %s", ErrAlreadyResponded, r.id.String()))
	}
	return ErrAlreadyResponded
}
