// Package identity tracks which client is behind a server session and how many
// requests it has made.
//
// A Tracker keeps one counter per session key. Servers use the session's own
// id as the key so that two connections from clients announcing the same name
// never share a counter. The in-memory Tracker is the default; the
// redistracker subpackage keeps counters in Redis so they survive process
// restarts and can be inspected out of band.
package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
)

// Tracker counts requests per session key. Implementations must be safe for
// concurrent use.
type Tracker interface {
	// Increment records one request for key and returns the updated count.
	Increment(ctx context.Context, key string) (int64, error)
	// Forget drops the counter for key.
	Forget(ctx context.Context, key string) error
}

// ResolveClientID derives the client identifier announced during initialize.
// It is the client's implementation name, or fallback when the client did not
// announce one.
func ResolveClientID(info *mcp.ImplementationInfo, fallback string) string {
	if info != nil {
		if name := strings.TrimSpace(info.Name); name != "" {
			return name
		}
	}
	return fallback
}

// MemoryTracker is an in-process Tracker.
type MemoryTracker struct {
	mu     sync.Mutex
	counts map[string]int64
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker returns an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{counts: make(map[string]int64)}
}

func (m *MemoryTracker) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

// Count returns the count for key, 0 if unknown.
func (m *MemoryTracker) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}

func (m *MemoryTracker) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}
