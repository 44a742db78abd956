package conflict

import (
	"context"
	"sync"
)

const DefaultHistoryCapacity = 100

// History stores recent executions. Implementations must be safe for
// concurrent use.
type History interface {
	Append(ctx context.Context, e HistoryEntry) error
	// Recent returns at most n entries, oldest first.
	Recent(ctx context.Context, n int) ([]HistoryEntry, error)
	Len(ctx context.Context) (int, error)
}

// MemoryHistory is a bounded ring of entries.
type MemoryHistory struct {
	mu      sync.Mutex
	entries []HistoryEntry
	start   int
	size    int
}

func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &MemoryHistory{entries: make([]HistoryEntry, capacity)}
}

func (h *MemoryHistory) Append(_ context.Context, e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.entries)
	if h.size < capacity {
		h.entries[(h.start+h.size)%capacity] = e
		h.size++
		return nil
	}
	h.entries[h.start] = e
	h.start = (h.start + 1) % capacity
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, n int) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}
	if n > h.size {
		n = h.size
	}
	capacity := len(h.entries)
	out := make([]HistoryEntry, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.entries[(h.start+i)%capacity])
	}
	return out, nil
}

func (h *MemoryHistory) Len(_ context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size, nil
}
