// Package store implements the versioned object store: a single logical
// database of named record collections persisted in embedded SQLite.
//
// The store owns collection creation and schema upgrades. Records are JSON
// documents keyed by each collection's key policy (explicit key field or an
// auto-incrementing surrogate). A whole-database save runs as one
// transaction; a failure midway leaves the previous persisted state intact.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rosterd/rosterd/internal/schema"
)

var (
	// ErrStoreUnavailable means the database could not be opened or the
	// transaction infrastructure failed. Fatal to the current operation,
	// not to the process; the caller must not assume partial state.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTransactionAborted means a save was partially attempted and rolled
	// back. The store is at its pre-save state.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrNotFound means the requested record or collection does not exist.
	ErrNotFound = errors.New("not found")
)

// Record is one stored document.
type Record struct {
	Key string
	Doc json.RawMessage
}

// CollectionInfo describes a registered collection.
type CollectionInfo struct {
	Name     string
	KeyField string
	AutoKey  bool
	Version  int
	Count    int
}

// Store wraps the SQLite connection with collection and version management.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Open opens (creating or upgrading if necessary) the logical database at
// the code's target schema version.
//
// The upgrade routine runs once per version gap and is safe to re-run after
// a crash mid-upgrade: every collection and index creation step checks
// existence first, and the version stamp is bumped last.
//
// The caller MUST call Close when done. If logger is nil, a default logger
// writing to stderr is used.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %v", ErrStoreUnavailable, err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStoreUnavailable, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%w: %s failed: %v", ErrStoreUnavailable, pragma, err)
		}
	}

	if err := s.upgrade(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// baseDDL creates the fixed infrastructure tables. All statements are
// existence-guarded so re-running them is safe.
const baseDDL = `
CREATE TABLE IF NOT EXISTS meta (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	key_field TEXT NOT NULL DEFAULT '',
	auto_key INTEGER NOT NULL DEFAULT 0,
	next_key INTEGER NOT NULL DEFAULT 1,
	created_in_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	doc TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, key),
	FOREIGN KEY (collection) REFERENCES collections(name)
);

CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
`

// snapshotDDL arrives with schema version 3.
const snapshotDDL = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at TEXT NOT NULL,
	size INTEGER NOT NULL,
	encoding TEXT NOT NULL,
	payload TEXT NOT NULL,
	checksum TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
`

// upgrade brings the persisted schema up to schema.TargetSchemaVersion.
// Each version step commits in its own transaction with the version bump
// as its last statement, so a crash mid-upgrade resumes cleanly.
func (s *Store) upgrade(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, baseDDL); err != nil {
		return fmt.Errorf("%w: failed to create base schema: %v", ErrStoreUnavailable, err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for v := current + 1; v <= schema.TargetSchemaVersion; v++ {
		if err := s.applyVersion(ctx, v); err != nil {
			return fmt.Errorf("%w: upgrade to version %d failed: %v", ErrStoreUnavailable, v, err)
		}
		s.logger.Printf("Upgraded store to schema version %d", v)
	}
	return nil
}

func (s *Store) applyVersion(ctx context.Context, version int) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version == 3 {
		if _, err := tx.ExecContext(ctx, snapshotDDL); err != nil {
			return fmt.Errorf("failed to create snapshot table: %w", err)
		}
	}

	// Register this version's collections. INSERT OR IGNORE keeps the step
	// idempotent; a collection's key policy is fixed at creation.
	for _, def := range schema.Registry {
		if def.Version != version {
			continue
		}
		auto := 0
		if def.AutoKey {
			auto = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO collections (name, key_field, auto_key, created_in_version)
			 VALUES (?, ?, ?, ?)`,
			def.Name, def.KeyField, auto, version)
		if err != nil {
			return fmt.Errorf("failed to register collection %s: %w", def.Name, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta (name, value) VALUES ('schema_version', ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("failed to stamp schema version: %w", err)
	}

	return tx.Commit()
}

// SchemaVersion returns the persisted schema version, 0 if unstamped.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE name = 'schema_version'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read schema version: %v", ErrStoreUnavailable, err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt schema version %q", ErrStoreUnavailable, value)
	}
	return v, nil
}

// Collections returns every registered collection in version order.
func (s *Store) Collections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT c.name, c.key_field, c.auto_key, c.created_in_version,
		        (SELECT COUNT(*) FROM records r WHERE r.collection = c.name)
		 FROM collections c ORDER BY c.created_in_version, c.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var infos []CollectionInfo
	for rows.Next() {
		var info CollectionInfo
		var auto int
		if err := rows.Scan(&info.Name, &info.KeyField, &auto, &info.Version, &info.Count); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		info.AutoKey = auto == 1
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return infos, nil
}

// ReadCollection returns every record in the named collection.
func (s *Store) ReadCollection(ctx context.Context, name string) ([]Record, error) {
	if err := s.collectionExists(ctx, name); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx,
		"SELECT key, doc FROM records WHERE collection = ? ORDER BY key", name)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", name, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var doc string
		if err := rows.Scan(&r.Key, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Doc = json.RawMessage(doc)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

// ReadRecord returns a single record by key. Returns ErrNotFound if absent.
func (s *Store) ReadRecord(ctx context.Context, name, key string) (Record, error) {
	var doc string
	err := s.conn.QueryRowContext(ctx,
		"SELECT doc FROM records WHERE collection = ? AND key = ?", name, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %s/%s: %w", name, key, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read record %s/%s: %w", name, key, err)
	}
	return Record{Key: key, Doc: json.RawMessage(doc)}, nil
}

// ReplaceCollection atomically clears the named collection and inserts
// records. All-or-nothing: on error the collection keeps its previous
// contents and ErrTransactionAborted is returned.
func (s *Store) ReplaceCollection(ctx context.Context, name string, recs []Record) error {
	if err := s.collectionExists(ctx, name); err != nil {
		return err
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if err := s.replaceInTx(ctx, tx, name, recs); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit failed: %v", ErrTransactionAborted, err)
	}
	return nil
}

func (s *Store) replaceInTx(ctx context.Context, tx *sql.Tx, name string, recs []Record) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE collection = ?", name); err != nil {
		return fmt.Errorf("failed to clear collection %s: %w", name, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range recs {
		if r.Key == "" {
			return fmt.Errorf("collection %s: record with empty key", name)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO records (collection, key, doc, updated_at) VALUES (?, ?, ?, ?)",
			name, r.Key, string(r.Doc), now)
		if err != nil {
			return fmt.Errorf("failed to insert %s/%s: %w", name, r.Key, err)
		}
	}
	return nil
}

// nextKeyInTx allocates the next surrogate key for an auto-key collection.
func (s *Store) nextKeyInTx(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	var next int64
	err := tx.QueryRowContext(ctx,
		"SELECT next_key FROM collections WHERE name = ? AND auto_key = 1", name).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("collection %s is not auto-keyed: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read next key for %s: %w", name, err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE collections SET next_key = next_key + 1 WHERE name = ?", name)
	if err != nil {
		return "", fmt.Errorf("failed to advance key sequence for %s: %w", name, err)
	}
	return strconv.FormatInt(next, 10), nil
}

func (s *Store) collectionExists(ctx context.Context, name string) error {
	var one int
	err := s.conn.QueryRowContext(ctx,
		"SELECT 1 FROM collections WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("collection %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to check collection %s: %v", ErrStoreUnavailable, name, err)
	}
	return nil
}
