package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/delivery"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// ServerStatus reports the HTTP server's lifecycle state.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 8088
	DefaultMaxBodyBytes  int64 = sre.MaxDocumentBytes
	DefaultReadTimeout         = 15 * time.Second
	DefaultWriteTimeout        = 15 * time.Second
	DefaultIdleTimeout         = 60 * time.Second
	NotificationsPath          = "/notifications"
	HealthPath                 = "/health"
	serviceName                = "sre-server"
	headerIdempotentReplay     = "Idempotent-Replay"
)

// Settings configures the HTTP listener.
type Settings struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Normalize fills zero fields with defaults. Port 0 is kept so tests can
// bind an ephemeral port.
func (s *Settings) Normalize() {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port < 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
}

// Address returns host:port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// StatusFor maps an ack code to the HTTP status it is served with.
func StatusFor(c sre.Code) int {
	switch c {
	case sre.Accepted, sre.DuplicateIgnored:
		return http.StatusOK
	case sre.RejectedMalformed:
		return http.StatusBadRequest
	case sre.RejectedUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// Server serves a Receiver over HTTP.
type Server struct {
	settings Settings
	receiver *Receiver
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// NewServer prepares a server; call Start to listen.
func NewServer(settings Settings, rcv *Receiver) *Server {
	settings.Normalize()
	s := &Server{
		settings: settings,
		receiver: rcv,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	if rcv != nil {
		s.logger = rcv.logger
		s.clock = func() time.Time { return rcv.clock().UTC() }
	}
	return s
}

// Handler returns the route table. It is exposed for tests and for
// embedding under another mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.HandleFunc(NotificationsPath, s.handleNotification)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.receiver == nil {
		return errors.New("receiver: server has no receiver")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("receiver: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("receiver: listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.listener = listener
	s.server = server
	s.startTime = s.clock()
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("receiver: serve error: %v", err)
		}
	}()
	s.logger.Printf("receiver: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// BaseURL returns scheme://host:port of the running server.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return "http://" + s.settings.Address()
	}
	return "http://" + s.listener.Addr().String()
}

func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

type healthResponse struct {
	OK            bool   `json:"ok"`
	Service       string `json:"service"`
	Status        string `json:"status"`
	Time          string `json:"time"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", http.MethodGet+", "+http.MethodHead)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	now := s.clock()
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()
	var uptime int64
	if !started.IsZero() {
		uptime = int64(now.Sub(started).Seconds())
	}
	writeJSON(w, http.StatusOK, healthResponse{
		OK:            true,
		Service:       serviceName,
		Status:        string(s.Status()),
		Time:          sre.CanonicalTime(now),
		UptimeSeconds: uptime,
	})
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return
	}

	reply, err := s.receiver.Receive(r.Context(), body)
	if err == nil {
		if hdr := r.Header.Get(delivery.HeaderIdempotencyKey); hdr != "" && hdr != reply.Ack.IdempotencyKey {
			s.logger.Printf("receiver: %s header %q differs from body key %q", delivery.HeaderIdempotencyKey, hdr, reply.Ack.IdempotencyKey)
		}
	}
	if reply.Body == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ack unavailable"})
		return
	}
	if reply.Replayed {
		w.Header().Set(headerIdempotentReplay, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(reply.Ack.Code))
	_, _ = w.Write(reply.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
