package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/vartalabh/vartalap/store"
)

// Config represents the file store config structure.
type Config struct {
	Path string `koanf:"path"`
}

// File represents the file implementation of the Store interface. The
// whole dataset is small (a handful of keys), so every Set rewrites the
// backing file.
type File struct {
	cfg  *Config
	data map[string][]byte
	mu   sync.Mutex
}

// New returns a new file store.
func New(cfg Config) (*File, error) {
	f := &File{
		cfg:  &cfg,
		data: map[string][]byte{},
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// load reads the backing file into memory. A missing file is an empty
// store.
func (f *File) load() error {
	b, err := os.ReadFile(f.cfg.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading store file %q: %w", f.cfg.Path, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &f.data); err != nil {
		return fmt.Errorf("error parsing store file %q: %w", f.cfg.Path, err)
	}
	return nil
}

// flush writes the in-memory dataset back to the file. Callers must hold
// the lock.
func (f *File) flush() error {
	b, err := json.Marshal(f.data)
	if err != nil {
		return err
	}
	return os.WriteFile(f.cfg.Path, b, 0600)
}

// Get value of a key.
func (f *File) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

// Set a value for a key.
func (f *File) Set(key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.data[key] = data
	return f.flush()
}

// Exists checks if a key exists.
func (f *File) Exists(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.data[key]
	return ok, nil
}
