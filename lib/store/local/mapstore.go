package local

import (
	"context"
	"sync"

	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store: make(map[string]*recognition.Result),
		mut:   &sync.RWMutex{},
	}
}

// MemoryStore keeps results for the lifetime of the process.
type MemoryStore struct {
	store map[string]*recognition.Result
	mut   *sync.RWMutex
}

func (m *MemoryStore) Save(_ context.Context, result *recognition.Result) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.store[result.RequestID.String()] = result
	return nil
}

func (m *MemoryStore) Get(requestID string) *recognition.Result {
	m.mut.RLock()
	defer m.mut.RUnlock()

	result, ok := m.store[requestID]
	if !ok {
		return nil
	}
	return result
}

func (m *MemoryStore) Len() int {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return len(m.store)
}

func (m *MemoryStore) Ready(context.Context) bool {
	return true
}
