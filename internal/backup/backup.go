// Package backup builds point-in-time, checksum-verified, compressed
// snapshots of the whole logical database and restores them through the
// versioned object store.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rosterd/rosterd/internal/checksum"
	"github.com/rosterd/rosterd/internal/schema"
	"github.com/rosterd/rosterd/internal/store"
)

var (
	// ErrChecksumMismatch means a snapshot's payload does not hash to its
	// stored checksum. Restore aborts before touching the store.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSnapshotNotFound means no snapshot exists with the given id.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Retention holds the two independent pruning rules. The union of both
// rules' deletions is removed after each successful snapshot.
type Retention struct {
	MaxCount int           // keep at most N most-recent snapshots (0 = unlimited)
	MaxAge   time.Duration // drop snapshots older than this (0 = unlimited)
}

// Manager creates, restores and prunes snapshots.
type Manager struct {
	store     *store.Store
	retention Retention
	logger    *log.Logger

	mu        sync.Mutex
	restoring string // snapshot id currently being restored, if any
}

// New creates a backup manager. If logger is nil, a default logger writing
// to stderr is used.
func New(st *store.Store, retention Retention, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[backup] ", log.LstdFlags)
	}
	return &Manager{store: st, retention: retention, logger: logger}
}

// CreateSnapshot serializes the full logical database and stores it as an
// immutable snapshot.
//
// The checksum of the canonical serialization is compared against the most
// recent snapshot's. If identical and kind is automatic, the snapshot is
// skipped (skipped=true, nil snapshot) so unattended backups do not
// accumulate no-op copies. If identical and kind is manual, the snapshot is
// still created but annotated "no data change".
//
// Compression failure falls back to an uncompressed-but-encoded payload;
// a degraded backup is preferred to no backup.
func (m *Manager) CreateSnapshot(ctx context.Context, kind schema.SnapshotKind) (*schema.Snapshot, bool, error) {
	db, err := m.store.LoadDatabase(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load database for snapshot: %w", err)
	}
	serialized, err := json.Marshal(db)
	if err != nil {
		return nil, false, fmt.Errorf("failed to serialize database: %w", err)
	}
	sum := checksum.Sum(serialized)

	note := ""
	latest, err := m.store.LatestSnapshot(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	if latest != nil && latest.Checksum == sum {
		if kind == schema.SnapshotAutomatic {
			m.logger.Printf("Snapshot skipped: no data change since %s", latest.ID)
			return nil, true, nil
		}
		note = "no data change"
	}

	payload, encoding := encodePayload(serialized, m.logger)
	snap := &schema.Snapshot{
		ID:        uuid.NewString(),
		Name:      fmt.Sprintf("%s-%s", kind, time.Now().UTC().Format("20060102-150405")),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		Size:      int64(len(serialized)),
		Encoding:  encoding,
		Payload:   payload,
		Checksum:  sum,
		Note:      note,
	}

	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, false, fmt.Errorf("failed to store snapshot: %w", err)
	}
	m.logger.Printf("Snapshot created: %s (%s, %d bytes, %s)", snap.ID, kind, snap.Size, encoding)

	if err := m.applyRetention(ctx); err != nil {
		// Retention failure does not invalidate the snapshot just taken.
		m.logger.Printf("Warning: retention failed: %v", err)
	}
	return snap, false, nil
}

// Restore writes a snapshot's database back through the store.
//
// The checksum is re-verified before any data is written; a mismatch is
// fatal and leaves the live database untouched. Retention never deletes
// the snapshot while its restore is in flight.
func (m *Manager) Restore(ctx context.Context, id string) error {
	snap, err := m.store.GetSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	serialized, err := decodePayload(snap.Payload, snap.Encoding)
	if err != nil {
		return fmt.Errorf("failed to decode snapshot %s: %w", id, err)
	}
	if !checksum.Verify(serialized, snap.Checksum) {
		return fmt.Errorf("%w: snapshot %s", ErrChecksumMismatch, id)
	}

	var db schema.Database
	if err := json.Unmarshal(serialized, &db); err != nil {
		return fmt.Errorf("failed to parse snapshot %s: %w", id, err)
	}
	db.Normalize()

	m.mu.Lock()
	m.restoring = id
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.restoring = ""
		m.mu.Unlock()
	}()

	if err := m.store.SaveDatabase(ctx, &db); err != nil {
		return fmt.Errorf("failed to write restored database: %w", err)
	}
	m.logger.Printf("Restored snapshot %s (%d bytes)", id, len(serialized))
	return nil
}

// List returns all snapshots, newest first, without payloads.
func (m *Manager) List(ctx context.Context) ([]*schema.Snapshot, error) {
	return m.store.ListSnapshots(ctx)
}

// Delete removes a snapshot by explicit user action.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	restoring := m.restoring
	m.mu.Unlock()
	if restoring == id {
		return fmt.Errorf("snapshot %s is being restored", id)
	}
	return m.store.DeleteSnapshot(ctx, id)
}

// applyRetention removes the union of the two rules' deletions: snapshots
// beyond the MaxCount newest, and snapshots older than MaxAge.
func (m *Manager) applyRetention(ctx context.Context) error {
	if m.retention.MaxCount <= 0 && m.retention.MaxAge <= 0 {
		return nil
	}
	snaps, err := m.store.ListSnapshots(ctx) // newest first
	if err != nil {
		return err
	}

	m.mu.Lock()
	restoring := m.restoring
	m.mu.Unlock()

	cutoff := time.Time{}
	if m.retention.MaxAge > 0 {
		cutoff = time.Now().UTC().Add(-m.retention.MaxAge)
	}

	doomed := make(map[string]bool)
	for i, snap := range snaps {
		if m.retention.MaxCount > 0 && i >= m.retention.MaxCount {
			doomed[snap.ID] = true
		}
		if !cutoff.IsZero() && snap.CreatedAt.Before(cutoff) {
			doomed[snap.ID] = true
		}
	}

	for id := range doomed {
		if id == restoring {
			continue
		}
		if err := m.store.DeleteSnapshot(ctx, id); err != nil {
			return err
		}
		m.logger.Printf("Retention removed snapshot %s", id)
	}
	return nil
}

func encodePayload(serialized []byte, logger *log.Logger) (payload, encoding string) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(serialized); err == nil {
		if err := gz.Close(); err == nil {
			return base64.StdEncoding.EncodeToString(buf.Bytes()), schema.EncodingGzipBase64
		}
	}
	logger.Printf("Warning: compression failed, storing uncompressed payload")
	return base64.StdEncoding.EncodeToString(serialized), schema.EncodingBase64
}

func decodePayload(payload, encoding string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	switch encoding {
	case schema.EncodingGzipBase64:
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid gzip payload: %w", err)
		}
		defer gz.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(gz); err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		return buf.Bytes(), nil
	case schema.EncodingBase64:
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}
