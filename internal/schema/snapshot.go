package schema

import "time"

// SnapshotKind distinguishes user-requested snapshots from unattended ones.
type SnapshotKind string

const (
	SnapshotManual    SnapshotKind = "manual"
	SnapshotAutomatic SnapshotKind = "automatic"
)

// Snapshot payload encodings. Compression failure degrades to plain base64
// rather than aborting the backup.
const (
	EncodingGzipBase64 = "gzip+base64"
	EncodingBase64     = "base64"
)

// Snapshot is an immutable point-in-time copy of the whole database.
//
// Checksum is computed over the uncompressed canonical serialization and is
// re-verified on restore before any data is written back. Snapshots are
// created by the backup manager, read by restore, and deleted by retention
// or explicit user action; they are never mutated in place.
//
// Restore must accept snapshots produced by earlier releases: unknown extra
// JSON fields are ignored, not rejected.
type Snapshot struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Kind      SnapshotKind `json:"type"`
	CreatedAt time.Time    `json:"timestamp"`
	Size      int64        `json:"size"` // uncompressed serialized bytes
	Encoding  string       `json:"encoding"`
	Payload   string       `json:"data"`
	Checksum  string       `json:"checksum"`
	Note      string       `json:"note,omitempty"`
}

// SyncEnvelope is the unit exchanged with the remote store. One envelope
// exists per device id on the remote side; the last write occupies the slot.
//
// Timestamp is the payload's logical last-modified time supplied by the
// caller, not wall-clock-at-send. The remote's conflict rule compares this
// field only.
type SyncEnvelope struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"data"`
	Checksum  string    `json:"checksum,omitempty"`
}
