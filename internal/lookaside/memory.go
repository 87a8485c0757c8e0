package lookaside

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/errors"

	"github.com/fedora-eln/distrobaker/internal/sources"
)

// Memory is an in-process cache backend used by tests.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

func blobKey(name, filename, hash string, ht sources.HashType) string {
	return strings.Join([]string{name, filename, string(ht), hash}, "/")
}

// Put seeds the cache with content for the given artifact.
func (m *Memory) Put(name, filename, hash string, ht sources.HashType, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobKey(name, filename, hash, ht)] = content
}

// Has reports whether the artifact was stored, without error plumbing.
func (m *Memory) Has(name, filename, hash string, ht sources.HashType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[blobKey(name, filename, hash, ht)]
	return ok
}

// Len returns the number of stored artifacts.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func (m *Memory) Exists(_ context.Context, name, filename, hash string, ht sources.HashType) (bool, error) {
	return m.Has(name, filename, hash, ht), nil
}

func (m *Memory) Download(_ context.Context, name, filename, hash string, ht sources.HashType, dest string) error {
	m.mu.Lock()
	content, ok := m.blobs[blobKey(name, filename, hash, ht)]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("%s not present under %s", filename, name)
	}
	return errors.Wrap(os.WriteFile(dest, content, 0o644), "write downloaded artifact")
}

func (m *Memory) Upload(_ context.Context, name, filename, hash string, ht sources.HashType, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read upload")
	}
	m.Put(name, filename, hash, ht, content)
	return nil
}

var _ Cache = (*Memory)(nil)
