// Package remote implements the sync endpoint consumed by the sync client:
// a single-envelope-per-device store behind GET (download), POST
// (unconditional upload) and PUT (conditional upload with conflict check),
// plus a WebSocket feed broadcasting sync events to connected observers.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rosterd/rosterd/internal/checksum"
	"github.com/rosterd/rosterd/internal/schema"
	"github.com/rosterd/rosterd/internal/synchttp"
)

// MaxBodyBytes bounds upload size. Larger requests are rejected with a
// clear "too large" response rather than attempted.
const MaxBodyBytes = 8 << 20

// EventType classifies a broadcast sync event.
type EventType string

const (
	EventUploaded   EventType = "uploaded"
	EventDownloaded EventType = "downloaded"
	EventConflict   EventType = "conflict"
)

// Event is one broadcast message on the WebSocket feed.
type Event struct {
	Type      EventType `json:"type"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8787)
	Port int

	// Secret is the shared credential secret. Empty disables auth
	// (tests only).
	Secret string

	// Store holds the envelopes (default: in-memory)
	Store EnvelopeStore

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8787,
		Store:  NewMemStore(),
		Logger: log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Server serves the sync endpoint and the event feed.
type Server struct {
	addr     string
	secret   string
	store    EnvelopeStore
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a sync server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if config.Store == nil {
		config.Store = NewMemStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		secret:    config.Secret,
		store:     config.Store,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Handler returns the server's routes. Exposed separately so tests can mount
// it on httptest without opening a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// wireEnvelope mirrors the client's request body shape.
type wireEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
	Checksum  string          `json:"checksum,omitempty"`
}

type wireResponse struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Timestamp       *time.Time      `json:"timestamp,omitempty"`
	Checksum        string          `json:"checksum,omitempty"`
	ServerData      json.RawMessage `json:"serverData,omitempty"`
	ServerTimestamp *time.Time      `json:"serverTimestamp,omitempty"`
	Message         string          `json:"message,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, wireResponse{Message: "deviceId is required"})
		return
	}
	if s.secret != "" {
		token := r.Header.Get("X-Sync-Token")
		if !synchttp.VerifyToken(s.secret, deviceID, token, time.Now()) {
			writeJSON(w, http.StatusUnauthorized, wireResponse{Message: "invalid credential"})
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		s.handleDownload(w, deviceID)
	case http.MethodPost:
		s.handleUpload(w, r, deviceID, false)
	case http.MethodPut:
		s.handleUpload(w, r, deviceID, true)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, wireResponse{Message: "method not allowed"})
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, deviceID string) {
	env, err := s.store.Get(deviceID)
	if errors.Is(err, ErrNoEnvelope) {
		writeJSON(w, http.StatusNotFound, wireResponse{Message: "no data for device"})
		return
	}
	if err != nil {
		s.logger.Printf("Download failed for %s: %v", deviceID, err)
		writeJSON(w, http.StatusInternalServerError, wireResponse{Message: "storage error"})
		return
	}
	s.Broadcast(Event{Type: EventDownloaded, DeviceID: deviceID, Timestamp: env.Timestamp})
	writeJSON(w, http.StatusOK, wireResponse{
		Success:   true,
		Data:      env.Payload,
		Timestamp: &env.Timestamp,
		Checksum:  env.Checksum,
	})
}

// handleUpload stores the uploaded envelope. With conditional=true (PUT) the
// write is first arbitrated against the stored timestamp: a strictly newer
// remote envelope rejects the write and returns the server's data and
// timestamp so the caller can decide. Last-writer-wins by declared
// timestamp, not arrival order.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, deviceID string, conditional bool) {
	var incoming wireEnvelope
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&incoming); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				wireResponse{Message: fmt.Sprintf("payload exceeds %d bytes", MaxBodyBytes)})
			return
		}
		writeJSON(w, http.StatusBadRequest, wireResponse{Message: "invalid request body"})
		return
	}
	if incoming.Timestamp.IsZero() {
		writeJSON(w, http.StatusBadRequest, wireResponse{Message: "timestamp is required"})
		return
	}
	if incoming.Checksum != "" && !checksum.Verify(incoming.Data, incoming.Checksum) {
		writeJSON(w, http.StatusBadRequest, wireResponse{Message: "payload fails checksum"})
		return
	}

	if conditional {
		existing, err := s.store.Get(deviceID)
		if err != nil && !errors.Is(err, ErrNoEnvelope) {
			s.logger.Printf("Conflict check failed for %s: %v", deviceID, err)
			writeJSON(w, http.StatusInternalServerError, wireResponse{Message: "storage error"})
			return
		}
		if existing != nil && existing.Timestamp.After(incoming.Timestamp) {
			s.Broadcast(Event{Type: EventConflict, DeviceID: deviceID, Timestamp: incoming.Timestamp})
			writeJSON(w, http.StatusConflict, wireResponse{
				Success:         false,
				ServerData:      existing.Payload,
				ServerTimestamp: &existing.Timestamp,
				Message:         "remote data is newer",
			})
			return
		}
	}

	env := &schema.SyncEnvelope{
		DeviceID:  deviceID,
		Timestamp: incoming.Timestamp,
		Payload:   incoming.Data,
		Checksum:  incoming.Checksum,
	}
	if err := s.store.Put(env); err != nil {
		s.logger.Printf("Upload failed for %s: %v", deviceID, err)
		writeJSON(w, http.StatusInternalServerError, wireResponse{Message: "storage error"})
		return
	}
	s.Broadcast(Event{Type: EventUploaded, DeviceID: deviceID, Timestamp: incoming.Timestamp})
	writeJSON(w, http.StatusOK, wireResponse{
		Success:   true,
		Timestamp: &incoming.Timestamp,
		Checksum:  incoming.Checksum,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "observers": clientCount})
}

// Broadcast queues an event for all connected WebSocket observers.
func (s *Server) Broadcast(ev Event) {
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}
			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Observer connected (total: %d)", count)

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		// Observers don't send anything; the read keeps the connection
		// alive and detects disconnects.
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Observer disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
