package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rosterd/rosterd/internal/schema"
)

// InsertSnapshot stores a snapshot row. Snapshots are immutable: an existing
// id is never overwritten.
func (s *Store) InsertSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO snapshots (id, name, kind, created_at, size, encoding, payload, checksum, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Name, string(snap.Kind),
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		snap.Size, snap.Encoding, snap.Payload, snap.Checksum, snap.Note)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// GetSnapshot returns a snapshot by id. Returns ErrNotFound if absent.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*schema.Snapshot, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, name, kind, created_at, size, encoding, payload, checksum, note
		 FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	return snap, err
}

// LatestSnapshot returns the most recently created snapshot, or ErrNotFound
// when no snapshot exists yet.
func (s *Store) LatestSnapshot(ctx context.Context) (*schema.Snapshot, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, name, kind, created_at, size, encoding, payload, checksum, note
		 FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

// ListSnapshots returns all snapshots, newest first, without payloads.
func (s *Store) ListSnapshots(ctx context.Context) ([]*schema.Snapshot, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, name, kind, created_at, size, encoding, '', checksum, note
		 FROM snapshots ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*schema.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// DeleteSnapshot removes a snapshot by id. Idempotent.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*schema.Snapshot, error) {
	var snap schema.Snapshot
	var kind, createdAt string
	err := row.Scan(&snap.ID, &snap.Name, &kind, &createdAt,
		&snap.Size, &snap.Encoding, &snap.Payload, &snap.Checksum, &snap.Note)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	snap.Kind = schema.SnapshotKind(kind)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}
	snap.CreatedAt = t
	return &snap, nil
}
