package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// metadataStore persists the Metadata list to a single file, spec.md
// §4.1's "write-to-temp-then-rename". A gofrs/flock file lock guards the
// write against another wasmcored process pointed at the same file; an
// in-process mutex serializes concurrent goroutines within this server.
type metadataStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

func newMetadataStore(path string) (*metadataStore, error) {
	if path == "" {
		return nil, fmt.Errorf("registry: metadata path must not be empty")
	}
	return &metadataStore{path: path, lock: flock.New(path + ".lock")}, nil
}

func (s *metadataStore) load() ([]Metadata, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []Metadata
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("registry: decoding metadata file %s: %w", s.path, err)
	}
	return records, nil
}

func (s *metadataStore) save(records []Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("registry: locking metadata file: %w", err)
	}
	defer s.lock.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encoding metadata: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: creating temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: writing temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: closing temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("registry: renaming metadata file into place: %w", err)
	}
	return nil
}
