package archive

import (
	"context"
	"sync"
)

// Slot is the persistent medium behind the archive: a single named value
// that is always read and written whole.
type Slot interface {
	// Load returns the stored payload, or nil/empty if nothing was ever saved.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the stored payload.
	Save(ctx context.Context, payload []byte) error
}

// MemorySlot is a Slot held in process memory.
type MemorySlot struct {
	mu   sync.Mutex
	data []byte
}

// NewMemorySlot returns a slot preloaded with payload (which may be nil).
func NewMemorySlot(payload []byte) *MemorySlot {
	return &MemorySlot{data: append([]byte(nil), payload...)}
}

func (m *MemorySlot) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), nil
}

func (m *MemorySlot) Save(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), payload...)
	return nil
}
