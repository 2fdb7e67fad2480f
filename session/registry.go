package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

// RequestHandler handles one inbound request. It must answer through r
// exactly once; if it returns without responding the session answers with an
// internal error on its behalf.
type RequestHandler interface {
	ServeRequest(ctx context.Context, rc *RequestContext, params json.RawMessage, r *Responder)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, rc *RequestContext, params json.RawMessage, r *Responder)

func (f RequestHandlerFunc) ServeRequest(ctx context.Context, rc *RequestContext, params json.RawMessage, r *Responder) {
	f(ctx, rc, params, r)
}

// NotificationHandler handles one inbound notification.
type NotificationHandler interface {
	ServeNotification(ctx context.Context, peer Peer, params json.RawMessage)
}

// NotificationHandlerFunc adapts a function to NotificationHandler.
type NotificationHandlerFunc func(ctx context.Context, peer Peer, params json.RawMessage)

func (f NotificationHandlerFunc) ServeNotification(ctx context.Context, peer Peer, params json.RawMessage) {
	f(ctx, peer, params)
}

// HandlerFunc builds a RequestHandler from a function returning a result or
// an error, and takes care of responding:
//   - a nil error sends result (nil becomes an empty object);
//   - a *RequestError keeps its code, message and data;
//   - context cancellation after the peer cancelled the request maps to
//     ErrorCodeRequestCancelled;
//   - anything else maps to ErrorCodeInternalError.
func HandlerFunc(fn func(ctx context.Context, rc *RequestContext, params json.RawMessage) (any, error)) RequestHandler {
	return RequestHandlerFunc(func(ctx context.Context, rc *RequestContext, params json.RawMessage, r *Responder) {
		res, err := fn(ctx, rc, params)
		if err != nil {
			_ = r.RespondWithError(ctx, err)
			return
		}
		_ = r.Respond(ctx, res)
	})
}

// TypedHandler decodes params into P before calling fn. Decoding failures
// answer with ErrorCodeInvalidParams.
func TypedHandler[P any](fn func(ctx context.Context, rc *RequestContext, params P) (any, error)) RequestHandler {
	return HandlerFunc(func(ctx context.Context, rc *RequestContext, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, NewRequestError(jsonrpc.ErrorCodeInvalidParams, "invalid params: "+err.Error(), nil)
			}
		}
		return fn(ctx, rc, p)
	})
}

// Registry maps method names to handlers. It is consulted by the dispatch
// loop on every envelope and by servers when computing capabilities, so
// registration is safe at any time.
type Registry struct {
	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// Handle registers h for method, replacing any previous handler.
func (r *Registry) Handle(method string, h RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[method] = h
}

// HandleNotification registers h for the notification method.
func (r *Registry) HandleNotification(method string, h NotificationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[method] = h
}

// RequestHandler returns the handler registered for method.
func (r *Registry) RequestHandler(method string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.requests[method]
	return h, ok
}

// NotificationHandler returns the handler registered for method.
func (r *Registry) NotificationHandler(method string) (NotificationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.notifications[method]
	return h, ok
}

// HasRequestHandler reports whether a handler is registered for method.
func (r *Registry) HasRequestHandler(method string) bool {
	_, ok := r.RequestHandler(method)
	return ok
}

// Methods lists the registered request methods in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.requests))
	for m := range r.requests {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func errorToWire(err error, cancelled bool) (jsonrpc.ErrorCode, string, any) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code, reqErr.Message, reqErr.Data
	}
	var wireErr *jsonrpc.Error
	if errors.As(err, &wireErr) {
		return wireErr.Code, wireErr.Message, wireErr.Data
	}
	if cancelled && (errors.Is(err, context.Canceled) || errors.Is(err, errRequestCancelled)) {
		return jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil
	}
	return jsonrpc.ErrorCodeInternalError, err.Error(), nil
}
