package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MetadataStore is the opaque key/value side-file for per-pattern
// metadata. Spec treats it as an external collaborator (plain JSON), so
// this is a thin stdlib-backed pass-through rather than a component with
// its own contract to honor.
type MetadataStore struct {
	mu   sync.Mutex
	path string
	data map[string]map[string]string
}

const metadataFileName = "pattern-meta.json"

// OpenMetadataStore loads dir/metadata/pattern-meta.json if present.
func OpenMetadataStore(dir string) (*MetadataStore, error) {
	metaDir := filepath.Join(dir, "metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir metadata dir: %v", ErrIoFailure, err)
	}

	m := &MetadataStore{
		path: filepath.Join(metaDir, metadataFileName),
		data: make(map[string]map[string]string),
	}

	// Durably create the metadata file up front (fsync file + dir) so its
	// existence survives a crash between mkdir and the first Flush.
	f, err := createFileDurable(metaDir, metadataFileName)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close metadata: %v", ErrIoFailure, err)
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %v", ErrIoFailure, err)
	}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("%w: parse metadata: %v", ErrIoFailure, err)
	}
	return m, nil
}

// Put stores meta under id, replacing any previous value.
func (m *MetadataStore) Put(id string, meta map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = meta
}

// Get returns id's metadata, if any.
func (m *MetadataStore) Get(id string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[id]
	return v, ok
}

// Remove deletes id's metadata, if present.
func (m *MetadataStore) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
}

// Flush serializes the whole metadata map to disk via an atomic
// temp-file replace.
func (m *MetadataStore) Flush() error {
	m.mu.Lock()
	raw, err := json.Marshal(m.data)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", ErrIoFailure, err)
	}
	return writeFileAtomicDurable(m.path, raw, false)
}
