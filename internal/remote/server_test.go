package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rosterd/rosterd/internal/checksum"
	"github.com/rosterd/rosterd/internal/schema"
	"github.com/rosterd/rosterd/internal/synchttp"
)

// newTestServer mounts the sync handler on httptest without a listener.
func newTestServer(t *testing.T, secret string) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(&Config{Secret: secret, Store: NewMemStore()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// TestSync_UploadDownload tests the full client/server round trip.
func TestSync_UploadDownload(t *testing.T) {
	_, ts := newTestServer(t, "secret")
	ctx := context.Background()

	c := synchttp.New(ts.URL, "device-1", "secret", 0, nil)
	payload := []byte(`{"personnel":{"p1":{"name":"Li Wei"}}}`)
	uploadTS := time.Now().UTC().Truncate(time.Second)

	if _, err := c.Upload(ctx, payload, uploadTS); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}

	res, err := c.Download(ctx)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if !bytes.Equal(res.Payload, payload) {
		t.Errorf("payload = %s, want %s", res.Payload, payload)
	}
	if !res.Timestamp.Equal(uploadTS) {
		t.Errorf("timestamp = %v, want %v", res.Timestamp, uploadTS)
	}
	if res.Checksum != checksum.Sum(payload) {
		t.Errorf("checksum = %q, want computed over upload", res.Checksum)
	}
}

// TestSync_DownloadEmpty tests that a device with no envelope gets 404,
// which the client maps to success with no data.
func TestSync_DownloadEmpty(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	c := synchttp.New(ts.URL, "fresh-device", "secret", 0, nil)
	res, err := c.Download(context.Background())
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if len(res.Payload) != 0 {
		t.Errorf("payload = %d bytes, want empty", len(res.Payload))
	}
}

// TestSync_SmartSyncConflict tests timestamp arbitration: an older declared
// timestamp is rejected with the server's data, and the stored envelope is
// unchanged.
func TestSync_SmartSyncConflict(t *testing.T) {
	srv, ts := newTestServer(t, "secret")
	ctx := context.Background()

	c := synchttp.New(ts.URL, "device-1", "secret", 0, nil)
	newer := []byte(`{"v":"newer"}`)
	newerTS := time.Now().UTC()
	if _, err := c.Upload(ctx, newer, newerTS); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}

	older := []byte(`{"v":"older"}`)
	res, err := c.SmartSync(ctx, older, newerTS.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SmartSync() returned error on conflict: %v", err)
	}
	if res.Status != synchttp.StatusConflictDetected {
		t.Fatalf("status = %v, want conflict", res.Status)
	}
	if !bytes.Equal(res.RemotePayload, newer) {
		t.Errorf("remote payload = %s, want the newer envelope", res.RemotePayload)
	}

	env, err := srv.store.Get("device-1")
	if err != nil {
		t.Fatalf("store.Get() failed: %v", err)
	}
	if !bytes.Equal(env.Payload, newer) {
		t.Error("conflict overwrote the stored envelope")
	}
}

// TestSync_SmartSyncAccepted tests that an equal-or-newer declared
// timestamp wins.
func TestSync_SmartSyncAccepted(t *testing.T) {
	srv, ts := newTestServer(t, "secret")
	ctx := context.Background()

	c := synchttp.New(ts.URL, "device-1", "secret", 0, nil)
	base := time.Now().UTC()
	if _, err := c.Upload(ctx, []byte(`{"v":1}`), base); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}

	res, err := c.SmartSync(ctx, []byte(`{"v":2}`), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	if res.Status != synchttp.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", res.Status)
	}

	env, err := srv.store.Get("device-1")
	if err != nil {
		t.Fatalf("store.Get() failed: %v", err)
	}
	if !bytes.Equal(env.Payload, []byte(`{"v":2}`)) {
		t.Error("accepted write did not replace the envelope")
	}
}

// TestSync_RejectsBadToken tests credential enforcement.
func TestSync_RejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	c := synchttp.New(ts.URL, "device-1", "wrong-secret", 0, nil)
	if _, err := c.Upload(context.Background(), []byte(`{}`), time.Now()); err == nil {
		t.Error("Upload() with wrong secret succeeded")
	}
}

// TestSync_RequiresDeviceID tests that a missing deviceId is a 400.
func TestSync_RequiresDeviceID(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/api/sync")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestSync_RejectsZeroTimestamp tests that uploads must declare a logical
// timestamp.
func TestSync_RejectsZeroTimestamp(t *testing.T) {
	_, ts := newTestServer(t, "")

	body, _ := json.Marshal(map[string]any{"data": map[string]any{}, "deviceId": "d1"})
	resp, err := http.Post(ts.URL+"/api/sync?deviceId=d1", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestSync_RejectsCorruptChecksum tests server-side checksum verification.
func TestSync_RejectsCorruptChecksum(t *testing.T) {
	_, ts := newTestServer(t, "")

	body, _ := json.Marshal(map[string]any{
		"data":      map[string]any{"k": "v"},
		"deviceId":  "d1",
		"timestamp": time.Now().UTC(),
		"checksum":  "r32:deadbeef",
	})
	resp, err := http.Post(ts.URL+"/api/sync?deviceId=d1", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestSync_RejectsOversizedBody tests the body size ceiling.
func TestSync_RejectsOversizedBody(t *testing.T) {
	_, ts := newTestServer(t, "")

	huge := bytes.Repeat([]byte("x"), MaxBodyBytes+1024)
	body, _ := json.Marshal(map[string]any{
		"data":      string(huge),
		"deviceId":  "d1",
		"timestamp": time.Now().UTC(),
	})
	resp, err := http.Post(ts.URL+"/api/sync?deviceId=d1", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

// TestFileStore_RoundTrip tests the on-disk envelope store.
func TestFileStore_RoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}

	env := &schema.SyncEnvelope{
		DeviceID:  "device-1",
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Payload:   []byte(`{"k":"v"}`),
		Checksum:  checksum.Sum([]byte(`{"k":"v"}`)),
	}
	if err := fs.Put(env); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := fs.Get("device-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got.Payload, env.Payload) || !got.Timestamp.Equal(env.Timestamp) {
		t.Errorf("round trip = %+v, want %+v", got, env)
	}

	if _, err := fs.Get("absent"); err != ErrNoEnvelope {
		t.Errorf("Get(absent) err = %v, want ErrNoEnvelope", err)
	}

	devices, err := fs.Devices()
	if err != nil {
		t.Fatalf("Devices() failed: %v", err)
	}
	if len(devices) != 1 || devices[0] != "device-1" {
		t.Errorf("devices = %v, want [device-1]", devices)
	}
}

// TestFileStore_SanitizesDeviceID tests that hostile device ids cannot
// escape the store directory.
func TestFileStore_SanitizesDeviceID(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}

	env := &schema.SyncEnvelope{
		DeviceID:  "../../escape",
		Timestamp: time.Now().UTC(),
		Payload:   []byte(`{}`),
	}
	if err := fs.Put(env); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	path := fs.path("../../escape")
	if len(path) < len(dir) || path[:len(dir)] != dir {
		t.Errorf("path %q escaped the store directory %q", path, dir)
	}
}
