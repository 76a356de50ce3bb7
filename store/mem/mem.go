package mem

import (
	"sync"

	"github.com/vartalabh/vartalap/store"
)

// Config represents the InMemory store config structure.
type Config struct{}

// InMemory represents the in-memory implementation of the Store interface.
type InMemory struct {
	cfg  *Config
	data map[string][]byte
	mu   sync.Mutex
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	return &InMemory{
		cfg:  &cfg,
		data: map[string][]byte{},
	}, nil
}

// Get value of a key.
func (m *InMemory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

// Set a value for a key.
func (m *InMemory) Set(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = data
	return nil
}

// Exists checks if a key exists.
func (m *InMemory) Exists(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.data[key]
	return ok, nil
}
