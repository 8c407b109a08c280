// Package server runs the Chrome interop endpoint: it answers WebRTC offers
// with a synthetic video track whose bitrate follows the GoogCC target, and
// exposes the controller state as JSON and Prometheus metrics. E2E tests
// start and stop it without running main().
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thesyncim/googcc/pkg/units"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8080" or ":0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout

	// StartBitrate, MinBitrate and MaxBitrate configure every session's
	// controller. Zero keeps the interceptor default.
	StartBitrate units.DataRate
	MinBitrate   units.DataRate
	MaxBitrate   units.DataRate

	// LoggerFactory defaults to logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		StartBitrate: units.KilobitsPerSec(500),
		MinBitrate:   units.KilobitsPerSec(100),
		MaxBitrate:   units.KilobitsPerSec(5000),
	}
}

// Server is an importable HTTP server for WebRTC Chrome interop testing.
type Server struct {
	config     Config
	log        logging.LeveledLogger
	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.Mutex
	running    bool

	registry *prometheus.Registry
	metrics  *metrics

	sessionsMu sync.Mutex
	sessions   map[string]*session
	nextID     int
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.MaxBitrate > 0 && cfg.MinBitrate > cfg.MaxBitrate {
		return nil, fmt.Errorf("min bitrate %v above max bitrate %v", cfg.MinBitrate, cfg.MaxBitrate)
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	registry := prometheus.NewRegistry()
	m, err := newMetrics(registry)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		log:      cfg.LoggerFactory.NewLogger("gcc_server"),
		registry: registry,
		metrics:  m,
		sessions: make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(HTMLPage))
	})
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server: %v", err)
		}
	}()

	return s.addr, nil
}

// Shutdown stops the HTTP server and closes every peer connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}

	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) addSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.id] = sess
	s.metrics.sessions.Set(float64(len(s.sessions)))
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	s.metrics.sessions.Set(float64(len(s.sessions)))
	s.metrics.forget(id)
}

func (s *Server) newSessionID() string {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.nextID++
	return fmt.Sprintf("pc-%d", s.nextID)
}

// Sessions returns a stats snapshot of every live session, ordered by id.
func (s *Server) Sessions() []SessionStats {
	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	out := make([]SessionStats, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.stats())
	}
	sortSessions(out)
	return out
}
