package engine

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rosterd/rosterd/internal/backup"
	"github.com/rosterd/rosterd/internal/checksum"
	"github.com/rosterd/rosterd/internal/remote"
	"github.com/rosterd/rosterd/internal/schema"
	"github.com/rosterd/rosterd/internal/store"
	"github.com/rosterd/rosterd/internal/synchttp"
)

// newTestEngine wires an engine with a fresh store and no sync client.
func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	backups := backup.New(st, backup.Retention{}, nil)
	return New(st, backups, nil, nil, nil), st
}

// TestSave_StampsLogicalTimestamp tests that every save records the logical
// last-modified time used for sync arbitration.
func TestSave_StampsLogicalTimestamp(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	db := schema.NewDatabase()
	if err := eng.Save(ctx, db); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := eng.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Settings[settingLastModified] == "" {
		t.Error("save did not stamp the logical timestamp")
	}
}

// TestImport_MergesAndSnapshots tests that an import merges personnel,
// preserves untouched collections, and leaves a pre-import snapshot.
func TestImport_MergesAndSnapshots(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	seed := schema.NewDatabase()
	p := schema.NewPersonnel("Li Wei", "Ops", "4321")
	seed.Personnel[p.ID] = p
	seed.Settings["theme"] = "dark"
	if err := eng.Save(ctx, seed); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	raw := []byte(`{"personnel": [{"employee_id": "4321", "name": "Li Wei", "department": "Finance"}]}`)
	result, err := eng.Import(ctx, raw)
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Merged != 1 {
		t.Errorf("merged = %d, want 1", result.Merged)
	}

	db, err := eng.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if db.Personnel[p.ID].Department != "Finance" {
		t.Errorf("department = %q, want the imported Finance", db.Personnel[p.ID].Department)
	}
	if db.Settings["theme"] != "dark" {
		t.Error("untouched settings lost during import")
	}

	snaps, err := st.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots() failed: %v", err)
	}
	if len(snaps) == 0 {
		t.Error("import did not take a pre-import snapshot")
	}
}

// TestImport_RejectedLeavesDataAlone tests that an unrecognized payload
// changes nothing.
func TestImport_RejectedLeavesDataAlone(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	seed := schema.NewDatabase()
	p := schema.NewPersonnel("Li Wei", "Ops", "4321")
	seed.Personnel[p.ID] = p
	if err := eng.Save(ctx, seed); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	var events []Event
	eng.Subscribe(func(ev Event, _ string) { events = append(events, ev) })

	if _, err := eng.Import(ctx, []byte(`{"junk": true}`)); err == nil {
		t.Fatal("Import() accepted an unrecognized payload")
	}

	db, err := eng.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(db.Personnel) != 1 {
		t.Error("rejected import modified the database")
	}

	found := false
	for _, ev := range events {
		if ev == EventImportRejected {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %v, want import-rejected", events)
	}
}

// TestCreateBackup_SkipObservable tests that the skip outcome is reported
// distinctly from creation.
func TestCreateBackup_SkipObservable(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Save(ctx, schema.NewDatabase()); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := eng.CreateBackup(ctx, schema.SnapshotAutomatic); err != nil {
		t.Fatalf("first CreateBackup() failed: %v", err)
	}

	var events []Event
	eng.Subscribe(func(ev Event, _ string) { events = append(events, ev) })

	snap, err := eng.CreateBackup(ctx, schema.SnapshotAutomatic)
	if err != nil {
		t.Fatalf("second CreateBackup() failed: %v", err)
	}
	if snap != nil {
		t.Error("unchanged automatic backup returned a snapshot")
	}
	if len(events) != 1 || events[0] != EventBackupSkipped {
		t.Errorf("events = %v, want exactly backup-skipped", events)
	}
}

// TestRestoreBackup_RoundTrip tests backup and restore through the facade.
func TestRestoreBackup_RoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	seed := schema.NewDatabase()
	p := schema.NewPersonnel("Li Wei", "Ops", "4321")
	seed.Personnel[p.ID] = p
	if err := eng.Save(ctx, seed); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	snap, err := eng.CreateBackup(ctx, schema.SnapshotManual)
	if err != nil {
		t.Fatalf("CreateBackup() failed: %v", err)
	}

	wiped := schema.NewDatabase()
	if err := eng.Save(ctx, wiped); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	if err := eng.RestoreBackup(ctx, snap.ID); err != nil {
		t.Fatalf("RestoreBackup() failed: %v", err)
	}
	db, err := eng.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(db.Personnel) != 1 {
		t.Errorf("personnel = %d after restore, want 1", len(db.Personnel))
	}
}

// TestSync_NotConfigured tests sync operations without a client.
func TestSync_NotConfigured(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.SyncUp(context.Background()); err == nil {
		t.Error("SyncUp() without a client succeeded")
	}
	if _, err := eng.SyncDown(context.Background()); err == nil {
		t.Error("SyncDown() without a client succeeded")
	}
}

// newSyncedEngine wires an engine against an in-process remote server and
// returns the server's envelope store for seeding.
func newSyncedEngine(t *testing.T) (*Engine, *remote.MemStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mem := remote.NewMemStore()
	srv := remote.NewServer(&remote.Config{Secret: "secret", Store: mem})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := synchttp.New(ts.URL, "device-1", "secret", 0, nil)
	backups := backup.New(st, backup.Retention{}, nil)
	return New(st, backups, client, nil, nil), mem
}

// seedEnvelope stores an envelope for device-1 with a declared timestamp.
func seedEnvelope(t *testing.T, mem *remote.MemStore, db *schema.Database, ts time.Time) {
	t.Helper()
	payload, err := json.Marshal(db)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	env := &schema.SyncEnvelope{
		DeviceID:  "device-1",
		Timestamp: ts,
		Payload:   payload,
		Checksum:  checksum.Sum(payload),
	}
	if err := mem.Put(env); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
}

// TestSyncDown_StaleRemoteSurfacesConflict tests that a download never
// overwrites local state newer than the remote envelope.
func TestSyncDown_StaleRemoteSurfacesConflict(t *testing.T) {
	eng, mem := newSyncedEngine(t)
	ctx := context.Background()

	seed := schema.NewDatabase()
	p := schema.NewPersonnel("Li Wei", "Ops", "4321")
	seed.Personnel[p.ID] = p
	if err := eng.Save(ctx, seed); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	stale := schema.NewDatabase()
	stale.Settings["marker"] = "stale-remote"
	seedEnvelope(t, mem, stale, time.Now().UTC().Add(-24*time.Hour))

	res, err := eng.SyncDown(ctx)
	if err != nil {
		t.Fatalf("SyncDown() failed: %v", err)
	}
	if res.Status != synchttp.StatusConflictDetected {
		t.Fatalf("status = %v, want conflict for a stale remote envelope", res.Status)
	}
	if res.RemoteTimestamp.IsZero() || len(res.RemotePayload) == 0 {
		t.Error("conflict result does not carry the remote side")
	}

	db, err := eng.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if db.Settings["marker"] == "stale-remote" {
		t.Error("stale remote envelope overwrote newer local data")
	}
	if len(db.Personnel) != 1 {
		t.Errorf("personnel = %d after stale download, want 1", len(db.Personnel))
	}
}

// TestSyncDown_NewerRemoteApplied tests that a strictly newer remote
// envelope still replaces local state.
func TestSyncDown_NewerRemoteApplied(t *testing.T) {
	eng, mem := newSyncedEngine(t)
	ctx := context.Background()

	if err := eng.Save(ctx, schema.NewDatabase()); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	fresh := schema.NewDatabase()
	fresh.Settings["marker"] = "fresh-remote"
	seedEnvelope(t, mem, fresh, time.Now().UTC().Add(time.Hour))

	res, err := eng.SyncDown(ctx)
	if err != nil {
		t.Fatalf("SyncDown() failed: %v", err)
	}
	if res.Status != synchttp.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", res.Status)
	}

	db, err := eng.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if db.Settings["marker"] != "fresh-remote" {
		t.Error("newer remote envelope not applied")
	}
}

// TestResolveConflict_KeepLocal tests that keeping the local side preserves
// local data and stamps the fresh timestamp so the conflict does not recur.
func TestResolveConflict_KeepLocal(t *testing.T) {
	eng, mem := newSyncedEngine(t)
	ctx := context.Background()

	seed := schema.NewDatabase()
	seed.Settings["marker"] = "local"
	if err := eng.Save(ctx, seed); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	remoteSide := schema.NewDatabase()
	remoteSide.Settings["marker"] = "remote"
	seedEnvelope(t, mem, remoteSide, time.Now().UTC().Add(time.Hour))

	res, err := eng.SmartSync(ctx)
	if err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	if res.Status != synchttp.StatusConflictDetected {
		t.Fatalf("status = %v, want conflict", res.Status)
	}

	if err := eng.ResolveConflict(ctx, res, true); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	db, err := eng.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if db.Settings["marker"] != "local" {
		t.Errorf("marker = %q after keeping local, want local", db.Settings["marker"])
	}

	again, err := eng.SmartSync(ctx)
	if err != nil {
		t.Fatalf("SmartSync() after resolution failed: %v", err)
	}
	if again.Status != synchttp.StatusSucceeded {
		t.Errorf("status = %v after keeping local, want the conflict settled", again.Status)
	}
}

// TestSave_RejectsDanglingReferences tests that a save fails validation when
// an entry references a missing person, leaving persisted data intact.
func TestSave_RejectsDanglingReferences(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	seed := schema.NewDatabase()
	p := schema.NewPersonnel("Li Wei", "Ops", "4321")
	seed.Personnel[p.ID] = p
	if err := eng.Save(ctx, seed); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	bad := schema.NewDatabase()
	bad.Assessments["2026-08"] = &schema.AssessmentSheet{
		YearMonth: "2026-08",
		Entries:   []schema.AssessmentEntry{{PersonID: "ghost", Score: 50}},
	}
	if err := eng.Save(ctx, bad); err == nil {
		t.Fatal("Save() accepted a dangling person reference")
	}

	db, err := eng.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(db.Personnel) != 1 {
		t.Error("failed save damaged persisted data")
	}
}
