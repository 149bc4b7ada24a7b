// Package synchttp implements the sync client: upload, download and a
// conflict-aware smart sync against the remote single-envelope store.
//
// Each sync cycle walks Idle -> Requesting -> {Succeeded, ConflictDetected,
// Failed} -> Idle. Conflicts are detected, never auto-merged: the client
// surfaces both local and remote payload/timestamp and leaves the choice to
// the caller. Failures never corrupt state on either side.
package synchttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rosterd/rosterd/internal/checksum"
)

// State is the client's position in the sync cycle.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
)

// Status classifies the outcome of one sync operation.
type Status string

const (
	StatusSucceeded        Status = "succeeded"
	StatusConflictDetected Status = "conflict"
	StatusFailed           Status = "failed"
)

// ErrPayloadTooLarge means the remote refused the upload for size.
// Not retryable; the payload must shrink first.
var ErrPayloadTooLarge = errors.New("payload too large for remote")

// NetworkError wraps a transport failure. Retryable failures (timeouts,
// unreachable host) may be retried by the caller; the client itself never
// retries automatically.
type NetworkError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("sync %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Result is one sync operation's outcome.
type Result struct {
	Status Status

	// Payload/Timestamp are the remote envelope's contents on download, or
	// an echo of the accepted write on upload. Empty payload with a
	// succeeded download means the remote has no envelope yet.
	Payload   json.RawMessage
	Timestamp time.Time
	Checksum  string

	// RemotePayload/RemoteTimestamp carry the remote's side of a detected
	// conflict.
	RemotePayload   json.RawMessage
	RemoteTimestamp time.Time

	Retryable bool
	Message   string
}

// envelope is the request body for upload and smart sync.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
	Checksum  string          `json:"checksum,omitempty"`
}

// response is the remote's reply shape.
type response struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Timestamp       *time.Time      `json:"timestamp,omitempty"`
	Checksum        string          `json:"checksum,omitempty"`
	ServerData      json.RawMessage `json:"serverData,omitempty"`
	ServerTimestamp *time.Time      `json:"serverTimestamp,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// Client talks to the remote envelope store for one device identity.
// The device id is injected at construction, never read from ambient state.
type Client struct {
	baseURL  string
	deviceID string
	secret   string
	http     *http.Client
	logger   *log.Logger

	mu       sync.Mutex
	state    State
	lastSync time.Time
}

// New creates a sync client. Timeout bounds each network operation; zero
// means 30 seconds. If logger is nil, a default logger writing to stderr is
// used.
func New(baseURL, deviceID, secret string, timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Client{
		baseURL:  baseURL,
		deviceID: deviceID,
		secret:   secret,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
		state:    StateIdle,
	}
}

// State returns the client's current cycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSyncTime returns when the last operation succeeded.
func (c *Client) LastSyncTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

// DeviceID returns the injected device identity.
func (c *Client) DeviceID() string { return c.deviceID }

// Upload unconditionally sends the payload with its logical timestamp.
// A failed upload leaves local data untouched.
func (c *Client) Upload(ctx context.Context, payload []byte, ts time.Time) (*Result, error) {
	c.enter()
	defer c.leave()

	body := envelope{Data: payload, Timestamp: ts, DeviceID: c.deviceID, Checksum: checksum.Sum(payload)}
	resp, err := c.do(ctx, http.MethodPost, body)
	if err != nil {
		return c.failed("upload", err)
	}
	if !resp.Success {
		return c.failed("upload", fmt.Errorf("remote rejected upload: %s", resp.Message))
	}

	c.markSynced()
	c.logger.Printf("Uploaded %d bytes (ts=%s)", len(payload), ts.Format(time.RFC3339))
	return &Result{Status: StatusSucceeded, Payload: payload, Timestamp: ts, Checksum: body.Checksum}, nil
}

// Download retrieves the remote envelope for this device. A missing
// envelope (remote 404) is a normal outcome: succeeded with empty payload.
func (c *Client) Download(ctx context.Context) (*Result, error) {
	c.enter()
	defer c.leave()

	req, err := c.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return c.failed("download", err)
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return c.failed("download", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		c.markSynced()
		c.logger.Printf("Download: no remote envelope yet")
		return &Result{Status: StatusSucceeded, Message: "no remote data"}, nil
	}
	resp, err := parseResponse(httpResp)
	if err != nil {
		return c.failed("download", err)
	}
	if !resp.Success {
		return c.failed("download", fmt.Errorf("remote error: %s", resp.Message))
	}

	res := &Result{Status: StatusSucceeded, Payload: resp.Data, Checksum: resp.Checksum}
	if resp.Timestamp != nil {
		res.Timestamp = *resp.Timestamp
	}
	if resp.Checksum != "" && !checksum.Verify(resp.Data, resp.Checksum) {
		return c.failed("download", fmt.Errorf("downloaded payload fails checksum %s", resp.Checksum))
	}
	c.markSynced()
	c.logger.Printf("Downloaded %d bytes (ts=%s)", len(res.Payload), res.Timestamp.Format(time.RFC3339))
	return res, nil
}

// SmartSync proposes the local payload with its logical timestamp and lets
// the remote arbitrate: last-writer-wins by declared timestamp, not arrival
// order. If the remote's stored timestamp is strictly newer, the write is
// rejected and both sides are surfaced as a conflict; local data is never
// overwritten until the caller explicitly chooses a side.
//
// Callers must supply the payload's true logical timestamp, not
// wall-clock-at-send, or the arbitration degrades to undefined ordering.
func (c *Client) SmartSync(ctx context.Context, payload []byte, ts time.Time) (*Result, error) {
	c.enter()
	defer c.leave()

	body := envelope{Data: payload, Timestamp: ts, DeviceID: c.deviceID, Checksum: checksum.Sum(payload)}
	resp, err := c.do(ctx, http.MethodPut, body)
	if err != nil {
		return c.failed("smart sync", err)
	}

	if !resp.Success && resp.ServerTimestamp != nil {
		res := &Result{
			Status:          StatusConflictDetected,
			Payload:         payload,
			Timestamp:       ts,
			RemotePayload:   resp.ServerData,
			RemoteTimestamp: *resp.ServerTimestamp,
			Message:         resp.Message,
		}
		c.logger.Printf("Conflict detected: local ts=%s, remote ts=%s",
			ts.Format(time.RFC3339), resp.ServerTimestamp.Format(time.RFC3339))
		return res, nil
	}
	if !resp.Success {
		return c.failed("smart sync", fmt.Errorf("remote rejected write: %s", resp.Message))
	}

	c.markSynced()
	c.logger.Printf("Smart sync accepted (ts=%s)", ts.Format(time.RFC3339))
	return &Result{Status: StatusSucceeded, Payload: payload, Timestamp: ts, Checksum: body.Checksum}, nil
}

func (c *Client) enter() {
	c.mu.Lock()
	c.state = StateRequesting
	c.mu.Unlock()
}

func (c *Client) leave() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Client) markSynced() {
	c.mu.Lock()
	c.lastSync = time.Now()
	c.mu.Unlock()
}

// failed converts a transport or protocol error into a Failed result plus a
// typed NetworkError, so callers never see raw transport errors.
func (c *Client) failed(op string, err error) (*Result, error) {
	retryable := isRetryable(err)
	c.logger.Printf("Sync %s failed (retryable=%v): %v", op, retryable, err)
	return &Result{Status: StatusFailed, Retryable: retryable, Message: err.Error()},
		&NetworkError{Op: op, Retryable: retryable, Err: err}
}

func isRetryable(err error) bool {
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func (c *Client) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	u := fmt.Sprintf("%s/api/sync?deviceId=%s", c.baseURL, url.QueryEscape(c.deviceID))
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Sync-Token", Token(c.secret, c.deviceID, time.Now()))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method string, body envelope) (*response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	req, err := c.newRequest(ctx, method, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	return parseResponse(httpResp)
}

func parseResponse(httpResp *http.Response) (*response, error) {
	if httpResp.StatusCode == http.StatusRequestEntityTooLarge {
		return nil, ErrPayloadTooLarge
	}
	if httpResp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("remote rejected credential")
	}
	var resp response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("invalid remote response (status %d): %w", httpResp.StatusCode, err)
	}
	return &resp, nil
}
