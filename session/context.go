package session

import (
	"context"
	"encoding/json"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

// Peer is the view of a session that handlers get through RequestContext:
// enough to talk back to the other side.
type Peer interface {
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	SendNotification(ctx context.Context, method string, params any) error
	State() State
}

// IdentityTrackingSession is implemented by sessions that know who the peer
// is and count the requests it has made.
type IdentityTrackingSession interface {
	Peer
	// ClientID returns the identifier of the connected client, if known.
	ClientID() (string, bool)
	// ClientRequestCount returns the number of requests admitted for the
	// client so far, including the one currently being dispatched.
	ClientRequestCount() int64
}

// Meta is the free-form _meta object carried in request params.
type Meta map[string]any

// ProgressToken returns the progressToken entry, if present.
func (m Meta) ProgressToken() (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m["progressToken"]
	return v, ok && v != nil
}

// RequestContext describes one inbound request. It is built by the dispatch
// loop right before the handler starts and is read-only afterwards.
type RequestContext struct {
	// RequestID is the id of the request being handled.
	RequestID *jsonrpc.RequestID
	// Method is the request method.
	Method string
	// Meta is the optional _meta object from the request params.
	Meta Meta
	// Session is the role session that received the request. It is a
	// back-reference, not owned by the context.
	Session Peer
	// Lifespan is the value supplied once when the session was built and
	// shared by every request of that session. Handlers must not mutate it.
	Lifespan any

	clientID     string
	hasClientID  bool
	requestCount int64
}

func newRequestContext(id *jsonrpc.RequestID, method string, params json.RawMessage, peer Peer, lifespan any) *RequestContext {
	rc := &RequestContext{
		RequestID: id,
		Method:    method,
		Meta:      extractMeta(params),
		Session:   peer,
		Lifespan:  lifespan,
	}
	if it, ok := peer.(IdentityTrackingSession); ok {
		rc.clientID, rc.hasClientID = it.ClientID()
		rc.requestCount = it.ClientRequestCount()
	}
	return rc
}

// ClientID returns the identifier of the client behind this request's
// session. ok is false when the session does not track identity.
func (rc *RequestContext) ClientID() (id string, ok bool) {
	if rc == nil {
		return "", false
	}
	return rc.clientID, rc.hasClientID
}

// ClientRequestCount returns how many requests this request's client had made
// in the session when this request was admitted, this one included. It is 0
// when the session does not track identity.
func (rc *RequestContext) ClientRequestCount() int64 {
	if rc == nil {
		return 0
	}
	return rc.requestCount
}

// LifespanAs returns the lifespan value of rc as a T.
func LifespanAs[T any](rc *RequestContext) (T, bool) {
	var zero T
	if rc == nil {
		return zero, false
	}
	v, ok := rc.Lifespan.(T)
	return v, ok
}

func extractMeta(params json.RawMessage) Meta {
	if len(params) == 0 {
		return nil
	}
	var p struct {
		Meta Meta `json:"_meta"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return p.Meta
}
