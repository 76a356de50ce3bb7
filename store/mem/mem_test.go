package mem

import (
	"bytes"
	"testing"

	"github.com/vartalabh/vartalap/store"
)

func TestMemStoreRoundTrip(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("couldn't create store: %v", err)
	}

	if _, err := m.Get("missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.Set("key", []byte("value")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if ok, _ := m.Exists("key"); !ok {
		t.Fatal("set key not found")
	}
	d, err := m.Get("key")
	if err != nil || !bytes.Equal(d, []byte("value")) {
		t.Fatalf("get returned %q, %v", d, err)
	}
}
