// Package engine ties the store, backup manager, importer and sync client
// together behind one mutating facade. All writes go through the engine's
// mutex so imports, restores and syncs never interleave.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rosterd/rosterd/internal/backup"
	"github.com/rosterd/rosterd/internal/importer"
	"github.com/rosterd/rosterd/internal/schema"
	"github.com/rosterd/rosterd/internal/store"
	"github.com/rosterd/rosterd/internal/synchttp"
)

// settingLastModified stores the database's logical timestamp. Sync
// arbitration uses this value, never wall-clock-at-send.
const settingLastModified = "last_modified"

// Event names an observable state transition.
type Event string

const (
	EventLoaded           Event = "loaded"
	EventLoadFailed       Event = "load-failed"
	EventSaved            Event = "saved"
	EventSaveFailed       Event = "save-failed"
	EventImported         Event = "imported"
	EventImportRejected   Event = "import-rejected"
	EventBackupCreated    Event = "backup-created"
	EventBackupSkipped    Event = "backup-skipped"
	EventRestoreSucceeded Event = "restore-succeeded"
	EventRestoreFailed    Event = "restore-failed"
	EventSyncSucceeded    Event = "sync-succeeded"
	EventSyncConflict     Event = "sync-conflict"
	EventSyncFailed       Event = "sync-failed"
)

// Observer receives state transition notifications. Observers must not call
// back into the engine.
type Observer func(event Event, detail string)

// Engine is the single mutating entry point over the local database.
type Engine struct {
	store      *store.Store
	backups    *backup.Manager
	client     *synchttp.Client // nil when no remote is configured
	normalizer *importer.Normalizer
	logger     *log.Logger

	mu sync.Mutex // serializes mutations

	obsMu     sync.Mutex
	observers []Observer
}

// New wires an engine. client may be nil; sync operations then return an
// error. If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, backups *backup.Manager, client *synchttp.Client, normalizer *importer.Normalizer, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if normalizer == nil {
		normalizer = importer.New(nil, logger)
	}
	return &Engine{
		store:      st,
		backups:    backups,
		client:     client,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Subscribe registers an observer for state transitions.
func (e *Engine) Subscribe(obs Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, obs)
}

func (e *Engine) notify(event Event, detail string) {
	e.obsMu.Lock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.obsMu.Unlock()
	for _, obs := range observers {
		obs(event, detail)
	}
}

// Load reads the whole database from the store.
func (e *Engine) Load(ctx context.Context) (*schema.Database, error) {
	db, err := e.store.LoadDatabase(ctx)
	if err != nil {
		e.notify(EventLoadFailed, err.Error())
		return nil, err
	}
	e.notify(EventLoaded, fmt.Sprintf("%d personnel", len(db.Personnel)))
	return db, nil
}

// Save writes the whole database in one transaction and stamps the logical
// timestamp.
func (e *Engine) Save(ctx context.Context, db *schema.Database) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveLocked(ctx, db)
}

func (e *Engine) saveLocked(ctx context.Context, db *schema.Database) error {
	db.Normalize()
	if err := db.Validate(); err != nil {
		err = fmt.Errorf("database failed validation: %w", err)
		e.notify(EventSaveFailed, err.Error())
		return err
	}
	db.Settings[settingLastModified] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := e.store.SaveDatabase(ctx, db); err != nil {
		e.notify(EventSaveFailed, err.Error())
		return err
	}
	e.notify(EventSaved, "")
	return nil
}

// Import normalizes an external JSON payload, reconciles its personnel
// records against the current database, and persists the merged result.
// An automatic snapshot is taken before the write so a bad import is
// recoverable.
func (e *Engine) Import(ctx context.Context, raw []byte) (*importer.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.store.LoadDatabase(ctx)
	if err != nil {
		return nil, err
	}
	result, err := e.normalizer.Normalize(raw, current.PersonnelList())
	if err != nil {
		e.notify(EventImportRejected, err.Error())
		return nil, err
	}

	if e.backups != nil {
		if _, _, err := e.backups.CreateSnapshot(ctx, schema.SnapshotAutomatic); err != nil {
			return nil, fmt.Errorf("pre-import snapshot failed: %w", err)
		}
	}

	merged := mergeImport(current, result.Database)
	if err := e.saveLocked(ctx, merged); err != nil {
		return nil, err
	}
	e.notify(EventImported, fmt.Sprintf("created=%d merged=%d review=%d",
		result.Created, result.Merged, result.NeedsReview))
	return result, nil
}

// ImportWorkbook reads personnel rows from an Excel workbook and imports
// them through the same reconciliation path as JSON payloads.
func (e *Engine) ImportWorkbook(ctx context.Context, r io.Reader) (*importer.Result, error) {
	records, err := importer.ReadWorkbook(r)
	if err != nil {
		e.notify(EventImportRejected, err.Error())
		return nil, err
	}
	payload := map[string][]schema.ExternalRecord{schema.CollectionPersonnel: records}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workbook records: %w", err)
	}
	return e.Import(ctx, raw)
}

// mergeImport overlays the imported fragment onto the current database.
// Collections absent from the import keep their current contents.
func mergeImport(current, imported *schema.Database) *schema.Database {
	out := schema.NewDatabase()
	for k, v := range current.Assessments {
		out.Assessments[k] = v
	}
	for k, v := range current.Attendance {
		out.Attendance[k] = v
	}
	for k, v := range current.Requests {
		out.Requests[k] = v
	}
	for k, v := range current.Settings {
		out.Settings[k] = v
	}
	if len(imported.Personnel) > 0 {
		for k, v := range imported.Personnel {
			out.Personnel[k] = v
		}
	} else {
		for k, v := range current.Personnel {
			out.Personnel[k] = v
		}
	}
	for k, v := range imported.Assessments {
		out.Assessments[k] = v
	}
	for k, v := range imported.Attendance {
		out.Attendance[k] = v
	}
	for k, v := range imported.Requests {
		out.Requests[k] = v
	}
	for k, v := range imported.Settings {
		out.Settings[k] = v
	}
	return out
}

// CreateBackup takes a snapshot of the current database.
func (e *Engine) CreateBackup(ctx context.Context, kind schema.SnapshotKind) (*schema.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backups == nil {
		return nil, fmt.Errorf("backups not configured")
	}
	snap, skipped, err := e.backups.CreateSnapshot(ctx, kind)
	if err != nil {
		return nil, err
	}
	if skipped {
		e.notify(EventBackupSkipped, "no data change")
		return nil, nil
	}
	e.notify(EventBackupCreated, snap.ID)
	return snap, nil
}

// RestoreBackup replaces the live database with a snapshot's contents.
func (e *Engine) RestoreBackup(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backups == nil {
		return fmt.Errorf("backups not configured")
	}
	if err := e.backups.Restore(ctx, id); err != nil {
		e.notify(EventRestoreFailed, err.Error())
		return err
	}
	e.notify(EventRestoreSucceeded, id)
	return nil
}

// ListBackups returns all snapshots, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]*schema.Snapshot, error) {
	if e.backups == nil {
		return nil, fmt.Errorf("backups not configured")
	}
	return e.backups.List(ctx)
}

// DeleteBackup removes a snapshot.
func (e *Engine) DeleteBackup(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backups == nil {
		return fmt.Errorf("backups not configured")
	}
	return e.backups.Delete(ctx, id)
}

// SyncUp serializes the database and uploads it unconditionally.
func (e *Engine) SyncUp(ctx context.Context) (*synchttp.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, ts, err := e.serializeLocked(ctx)
	if err != nil {
		return nil, err
	}
	return e.finishSync(e.client.Upload(ctx, payload, ts))
}

// SyncDown downloads the remote envelope and, when it holds data, replaces
// the local database with it. A remote envelope older than the local logical
// timestamp is never applied: both sides are surfaced as a conflict and local
// data stays untouched until the caller picks a side.
func (e *Engine) SyncDown(ctx context.Context) (*synchttp.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return nil, fmt.Errorf("sync not configured")
	}
	res, err := e.client.Download(ctx)
	if err != nil {
		e.notify(EventSyncFailed, err.Error())
		return res, err
	}
	if len(res.Payload) == 0 {
		e.notify(EventSyncSucceeded, "no remote data")
		return res, nil
	}

	current, err := e.store.LoadDatabase(ctx)
	if err != nil {
		e.notify(EventSyncFailed, err.Error())
		return nil, err
	}
	if localTS, ok := logicalTimestamp(current); ok && !res.Timestamp.IsZero() && localTS.After(res.Timestamp) {
		localPayload, err := json.Marshal(current)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize database: %w", err)
		}
		e.notify(EventSyncConflict, res.Timestamp.Format(time.RFC3339))
		return &synchttp.Result{
			Status:          synchttp.StatusConflictDetected,
			Payload:         localPayload,
			Timestamp:       localTS,
			RemotePayload:   res.Payload,
			RemoteTimestamp: res.Timestamp,
			Message:         "remote envelope is older than local state",
		}, nil
	}

	if err := e.applySyncedLocked(ctx, res.Payload, res.Timestamp); err != nil {
		e.notify(EventSyncFailed, err.Error())
		return nil, err
	}
	e.notify(EventSyncSucceeded, "downloaded")
	return res, nil
}

// SmartSync proposes the local database to the remote. On conflict the
// result carries both sides and the local database is left untouched.
func (e *Engine) SmartSync(ctx context.Context) (*synchttp.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, ts, err := e.serializeLocked(ctx)
	if err != nil {
		return nil, err
	}
	res, err := e.client.SmartSync(ctx, payload, ts)
	if err != nil {
		e.notify(EventSyncFailed, err.Error())
		return res, err
	}
	if res.Status == synchttp.StatusConflictDetected {
		e.notify(EventSyncConflict, res.RemoteTimestamp.Format(time.RFC3339))
		return res, nil
	}
	e.notify(EventSyncSucceeded, "uploaded")
	return res, nil
}

// ResolveConflict settles a detected conflict: keep "local" re-uploads the
// local payload with a fresh logical timestamp, keep "remote" overwrites the
// local database with the remote side.
func (e *Engine) ResolveConflict(ctx context.Context, res *synchttp.Result, keepLocal bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res == nil || res.Status != synchttp.StatusConflictDetected {
		return fmt.Errorf("no conflict to resolve")
	}
	if keepLocal {
		if e.client == nil {
			return fmt.Errorf("sync not configured")
		}
		now := time.Now().UTC()
		_, err := e.client.Upload(ctx, res.Payload, now)
		if err != nil {
			e.notify(EventSyncFailed, err.Error())
			return err
		}
		// Stamp the uploaded timestamp locally, otherwise the next sync
		// proposes the stale timestamp and re-detects the same conflict.
		if err := e.applySyncedLocked(ctx, res.Payload, now); err != nil {
			e.notify(EventSyncFailed, err.Error())
			return err
		}
		e.notify(EventSyncSucceeded, "conflict resolved: kept local")
		return nil
	}
	if err := e.applySyncedLocked(ctx, res.RemotePayload, res.RemoteTimestamp); err != nil {
		e.notify(EventSyncFailed, err.Error())
		return err
	}
	e.notify(EventSyncSucceeded, "conflict resolved: kept remote")
	return nil
}

// serializeLocked marshals the database and returns its logical timestamp.
func (e *Engine) serializeLocked(ctx context.Context) ([]byte, time.Time, error) {
	if e.client == nil {
		return nil, time.Time{}, fmt.Errorf("sync not configured")
	}
	db, err := e.store.LoadDatabase(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	payload, err := json.Marshal(db)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to serialize database: %w", err)
	}
	ts, ok := logicalTimestamp(db)
	if !ok {
		ts = time.Now().UTC()
	}
	return payload, ts, nil
}

// logicalTimestamp parses the database's declared last-modified time.
func logicalTimestamp(db *schema.Database) (time.Time, bool) {
	raw, ok := db.Settings[settingLastModified]
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// applySyncedLocked replaces the local database with the payload the sync
// arbitration settled on and stamps its logical timestamp.
func (e *Engine) applySyncedLocked(ctx context.Context, payload []byte, ts time.Time) error {
	var db schema.Database
	if err := json.Unmarshal(payload, &db); err != nil {
		return fmt.Errorf("sync payload is not a database: %w", err)
	}
	db.Normalize()
	if err := db.Validate(); err != nil {
		return fmt.Errorf("sync payload failed validation: %w", err)
	}
	if !ts.IsZero() {
		db.Settings[settingLastModified] = ts.UTC().Format(time.RFC3339Nano)
	}
	if err := e.store.SaveDatabase(ctx, &db); err != nil {
		return err
	}
	e.logger.Printf("Applied sync payload (ts=%s)", ts.Format(time.RFC3339))
	return nil
}

func (e *Engine) finishSync(res *synchttp.Result, err error) (*synchttp.Result, error) {
	if err != nil {
		e.notify(EventSyncFailed, err.Error())
		return res, err
	}
	e.notify(EventSyncSucceeded, "uploaded")
	return res, nil
}
