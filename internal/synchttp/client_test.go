package synchttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rosterd/rosterd/internal/checksum"
)

// TestUpload_Success tests a plain upload against a stub remote.
func TestUpload_Success(t *testing.T) {
	var gotMethod, gotDevice, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotDevice = r.URL.Query().Get("deviceId")
		gotToken = r.Header.Get("X-Sync-Token")
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "device-1", "secret", 0, nil)
	payload := []byte(`{"personnel":{}}`)
	ts := time.Now().UTC()

	res, err := c.Upload(context.Background(), payload, ts)
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Errorf("status = %v, want succeeded", res.Status)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotDevice != "device-1" {
		t.Errorf("deviceId = %q, want device-1", gotDevice)
	}
	if !VerifyToken("secret", "device-1", gotToken, time.Now()) {
		t.Error("request carried an unverifiable token")
	}
	if res.Checksum != checksum.Sum(payload) {
		t.Errorf("checksum = %q, want %q", res.Checksum, checksum.Sum(payload))
	}
}

// TestDownload_NoRemoteData tests that a 404 download succeeds with an
// empty payload.
func TestDownload_NoRemoteData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "device-1", "secret", 0, nil)
	res, err := c.Download(context.Background())
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Errorf("status = %v, want succeeded", res.Status)
	}
	if len(res.Payload) != 0 {
		t.Errorf("payload = %d bytes, want empty", len(res.Payload))
	}
}

// TestDownload_ChecksumMismatch tests that a corrupted download fails
// instead of returning bad data.
func TestDownload_ChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"data":     map[string]any{"k": "v"},
			"checksum": "r32:deadbeef",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "device-1", "secret", 0, nil)
	res, err := c.Download(context.Background())
	if err == nil {
		t.Fatal("Download() succeeded on a checksum mismatch")
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
}

// TestSmartSync_Conflict tests that a 409 with server data becomes a
// conflict result, not an error.
func TestSmartSync_Conflict(t *testing.T) {
	remoteTS := time.Now().UTC().Add(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"success":         false,
			"serverData":      map[string]any{"newer": true},
			"serverTimestamp": remoteTS,
			"message":         "remote data is newer",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "device-1", "secret", 0, nil)
	res, err := c.SmartSync(context.Background(), []byte(`{}`), time.Now().UTC())
	if err != nil {
		t.Fatalf("SmartSync() returned error on conflict: %v", err)
	}
	if res.Status != StatusConflictDetected {
		t.Fatalf("status = %v, want conflict", res.Status)
	}
	if !res.RemoteTimestamp.Equal(remoteTS) {
		t.Errorf("remote ts = %v, want %v", res.RemoteTimestamp, remoteTS)
	}
	if len(res.RemotePayload) == 0 {
		t.Error("conflict result carries no remote payload")
	}
}

// TestUpload_NetworkFailure tests that an unreachable remote yields a
// retryable NetworkError.
func TestUpload_NetworkFailure(t *testing.T) {
	c := New("http://127.0.0.1:1", "device-1", "secret", 500*time.Millisecond, nil)

	res, err := c.Upload(context.Background(), []byte(`{}`), time.Now())
	if err == nil {
		t.Fatal("Upload() succeeded against a dead endpoint")
	}
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %T, want *NetworkError", err)
	}
	if !nerr.Retryable || !res.Retryable {
		t.Error("connection failure should be retryable")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle after failure", c.State())
	}
}
