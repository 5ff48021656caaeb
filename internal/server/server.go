// Package server is the live monitor: it pushes every scan snapshot to
// WebSocket clients and exposes the latest signals and the config over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdsim/internal/config"
	"github.com/shaunagostinho/obdsim/internal/obd"
	"github.com/shaunagostinho/obdsim/internal/scan"
)

// Source is the scan state the monitor reads from.
type Source interface {
	Latest() []obd.Signal
	Supported() []obd.Key
}

// Switch toggles a sink at runtime; the recorder satisfies it.
type Switch interface {
	SetEnabled(bool)
	IsEnabled() bool
}

// Server broadcasts snapshots to WebSocket clients.
type Server struct {
	cfg      *config.Config
	source   Source
	recorder Switch
	webFS    fs.FS
	log      zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Adapter   string          `json:"adapter,omitempty"`
	Signals   []obd.Signal    `json:"signals,omitempty"`
	Supported []string        `json:"supported,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Stamp     int64           `json:"stamp"` // Unix ms
}

var _ scan.Sink = (*Server)(nil)

// New creates a Server. recorder and webFS may be nil.
func New(cfg *config.Config, source Source, recorder Switch, webFS fs.FS, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		source:   source,
		recorder: recorder,
		webFS:    webFS,
		log:      log.With().Str("component", "server").Logger(),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/signals", s.handleSignals)
	mux.HandleFunc("/api/supported", s.handleSupported)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/recorder", s.handleRecorder)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish sends a snapshot to every client.
func (s *Server) Publish(snap scan.Snapshot) {
	s.broadcast(Frame{Signals: snap.Signals, Stamp: snap.Time.UnixMilli()})
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial frame: what the scanner found, and the latest values
	hello := Frame{
		Adapter:   s.cfg.AdapterName(),
		Signals:   s.source.Latest(),
		Supported: keyStrings(s.source.Supported()),
		Stamp:     time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info().Int("clients", n).Msg("client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()
	if ok {
		close(c.send)
		s.log.Info().Int("clients", n).Msg("client disconnected")
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[*wsClient]struct{})
	s.clientsMu.Unlock()
	for c := range clients {
		close(c.send)
	}
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.source.Latest())
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, keyStrings(s.source.Supported()))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Error().Err(err).Msg("config save failed")
		}
		// Changes to the running scan apply on restart; clients still see them.
		if data, err := s.cfg.ToJSON(); err == nil {
			s.broadcast(Frame{Config: data, Stamp: time.Now().UnixMilli()})
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecorder(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "recorder not configured", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.recorder.SetEnabled(req.Enabled)
		s.log.Info().Bool("enabled", req.Enabled).Msg("recorder toggled")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]bool{"enabled": s.recorder.IsEnabled()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal frame")
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func keyStrings(keys []obd.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
