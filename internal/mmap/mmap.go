// Package mmap provides read-only memory mappings for local blob reads.
package mmap

import (
	"errors"
	"os"
	"sync"
)

// ErrClosed is returned when accessing a closed mapping.
var ErrClosed = errors.New("mmap: mapping is closed")

// Mapping is a read-only memory-mapped file.
type Mapping struct {
	mu   sync.RWMutex
	data []byte
	f    *os.File
}

// Open maps the file at path read-only. Empty files yield a mapping with no
// data.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return &Mapping{f: f}, nil
	}

	data, err := osMap(f, int(size))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Mapping{data: data, f: f}, nil
}

// Bytes returns the mapped contents. The slice is valid until Close.
func (m *Mapping) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// Close unmaps the file and releases the descriptor.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.f == nil {
		return ErrClosed
	}
	var err error
	if m.data != nil {
		err = osUnmap(m.data)
		m.data = nil
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	m.f = nil
	return err
}
