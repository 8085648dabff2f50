package refs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/merkledb/node"
)

// MemoryTracker is an in-memory Tracker for tests and ephemeral databases.
type MemoryTracker struct {
	mu     sync.Mutex
	tables map[string][]Version
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{tables: make(map[string][]Version)}
}

func (m *MemoryTracker) Current(_ context.Context, name string) (node.Digest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.tables[name]
	if len(versions) == 0 {
		return node.Digest{}, false, nil
	}
	return versions[len(versions)-1].Root, true, nil
}

func (m *MemoryTracker) Advance(_ context.Context, name string, old, new node.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.tables[name]
	var current node.Digest
	if len(versions) > 0 {
		current = versions[len(versions)-1].Root
	}
	if current != old {
		return fmt.Errorf("%w: %q is at %s, not %s", ErrConcurrentAdvance, name, current, old)
	}
	m.tables[name] = append(versions, Version{
		Seq:  int64(len(versions) + 1),
		Root: new,
		Time: time.Now().UTC(),
	})
	return nil
}

func (m *MemoryTracker) History(_ context.Context, name string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	out := make([]Version, len(versions))
	copy(out, versions)
	return out, nil
}
