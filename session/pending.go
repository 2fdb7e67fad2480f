package session

import (
	"sync"
	"sync/atomic"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

// pendingCall is a single-resolution slot: exactly one of resp or err is
// written, and read by exactly one waiter.
type pendingCall struct {
	method string
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// pendingTable correlates outgoing requests with their responses.
type pendingTable struct {
	mu        sync.Mutex
	pending   map[string]*pendingCall // id.Key() -> call
	abandoned map[string]struct{}
	closed    bool
	closeErr  error

	nextID atomic.Uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		pending:   make(map[string]*pendingCall),
		abandoned: make(map[string]struct{}),
	}
}

// register allocates a fresh id and its waiter.
func (t *pendingTable) register(method string) (*jsonrpc.RequestID, *pendingCall, error) {
	id := jsonrpc.NewRequestID(t.nextID.Add(1))
	pc := &pendingCall{
		method: method,
		respCh: make(chan *jsonrpc.Response, 1),
		errCh:  make(chan error, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, t.closeErr
	}
	t.pending[id.Key()] = pc
	return id, pc, nil
}

// forget drops a waiter without resolving it.
func (t *pendingTable) forget(id *jsonrpc.RequestID) {
	t.mu.Lock()
	delete(t.pending, id.Key())
	t.mu.Unlock()
}

// abandon drops a waiter whose caller gave up. A late response for the id is
// swallowed once by resolve instead of being reported as unknown.
func (t *pendingTable) abandon(id *jsonrpc.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id.Key()]; ok {
		delete(t.pending, id.Key())
		t.abandoned[id.Key()] = struct{}{}
	}
}

// resolve delivers resp to its waiter. It reports false when no waiter is
// registered for the id (unknown, already resolved, or abandoned).
func (t *pendingTable) resolve(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	key := resp.ID.Key()
	t.mu.Lock()
	pc, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	} else if _, gone := t.abandoned[key]; gone {
		delete(t.abandoned, key)
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// len reports the number of outstanding requests.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// close fails every waiter with err and rejects later registrations.
func (t *pendingTable) close(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.closeErr = err
	for key, pc := range t.pending {
		delete(t.pending, key)
		pc.errCh <- err
	}
}
