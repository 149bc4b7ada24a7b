package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rosterd/rosterd/internal/schema"
)

// ErrNoEnvelope means no envelope is stored for the device.
var ErrNoEnvelope = errors.New("no envelope for device")

// EnvelopeStore persists one envelope per device id. The last write
// occupies the slot; there is no append-only history.
type EnvelopeStore interface {
	// Get returns the device's envelope, or ErrNoEnvelope.
	Get(deviceID string) (*schema.SyncEnvelope, error)

	// Put replaces the device's envelope.
	Put(env *schema.SyncEnvelope) error

	// Devices returns all device ids with a stored envelope.
	Devices() ([]string, error)
}

// MemStore is an in-memory envelope store, used in tests and ephemeral
// serving.
type MemStore struct {
	mu        sync.RWMutex
	envelopes map[string]*schema.SyncEnvelope
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{envelopes: make(map[string]*schema.SyncEnvelope)}
}

func (s *MemStore) Get(deviceID string) (*schema.SyncEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envelopes[deviceID]
	if !ok {
		return nil, ErrNoEnvelope
	}
	clone := *env
	return &clone, nil
}

func (s *MemStore) Put(env *schema.SyncEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *env
	s.envelopes[env.DeviceID] = &clone
	return nil
}

func (s *MemStore) Devices() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.envelopes))
	for id := range s.envelopes {
		ids = append(ids, id)
	}
	return ids, nil
}

// FileStore persists envelopes as one JSON file per device under a
// directory. Writes are atomic via temp file + rename.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create envelope directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(deviceID string) string {
	// Device ids come from query parameters; keep them from escaping the
	// directory.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, deviceID)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileStore) Get(deviceID string) (*schema.SyncEnvelope, error) {
	data, err := os.ReadFile(s.path(deviceID))
	if os.IsNotExist(err) {
		return nil, ErrNoEnvelope
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	var env schema.SyncEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt envelope for %s: %w", deviceID, err)
	}
	return &env, nil
}

func (s *FileStore) Put(env *schema.SyncEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	path := s.path(env.DeviceID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp envelope: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename envelope: %w", err)
	}
	return nil
}

func (s *FileStore) Devices() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}
