package broadcast

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"strzcam.com/detection/analysis"
)

// Listener is one binding the server accepts connections on.
type Listener struct {
	Host      string
	Port      int
	TLSConfig *tls.Config
}

// Config tunes the broadcast server. Zero values fall back to the defaults
// the dashboard expects.
type Config struct {
	Path          string // websocket path, default /detections
	StaticDir     string
	RecordingsDir string
	SendTimeout   time.Duration
	Analysis      *analysis.Provider
}

// Server accepts subscriber websockets and serves the recordings, analysis
// and static HTTP resources on the same listeners.
type Server struct {
	path          string
	staticDir     string
	recordingsDir string
	sendTimeout   time.Duration
	registry      *Registry
	analysis      *analysis.Provider
	upgrader      websocket.Upgrader

	mu        sync.Mutex
	servers   []*http.Server
	listeners []net.Listener
	addrs     []string
}

func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/detections"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 3 * time.Second
	}
	return &Server{
		path:          cfg.Path,
		staticDir:     cfg.StaticDir,
		recordingsDir: cfg.RecordingsDir,
		sendTimeout:   cfg.SendTimeout,
		registry:      NewRegistry(),
		analysis:      cfg.Analysis,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Start validates the bindings and begins serving on each of them. A second
// call while running is a no-op.
func (s *Server) Start(bindings []Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.servers) > 0 {
		return nil
	}
	if len(bindings) == 0 {
		return fmt.Errorf("at least one listener must be specified")
	}
	seen := make(map[string]struct{})
	for _, binding := range bindings {
		key := fmt.Sprintf("%s:%d", binding.Host, binding.Port)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate listener binding requested for %s", key)
		}
		seen[key] = struct{}{}
	}

	for _, binding := range bindings {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", binding.Host, binding.Port))
		if err != nil {
			s.stopLocked()
			return err
		}
		if binding.TLSConfig != nil {
			ln = tls.NewListener(ln, binding.TLSConfig)
		}
		srv := &http.Server{Handler: http.HandlerFunc(s.handle)}
		s.servers = append(s.servers, srv)
		s.listeners = append(s.listeners, ln)
		s.addrs = append(s.addrs, ln.Addr().String())
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("Broadcast listener stopped: %v", err)
			}
		}(srv, ln)
	}
	return nil
}

// Addrs returns the bound addresses of the active listeners.
func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.addrs...)
}

func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	for _, srv := range s.servers {
		srv.Close()
	}
	s.servers = nil
	s.listeners = nil
	s.addrs = nil
}

// Reset proactively closes every subscriber so stale clients reconnect
// cleanly instead of seeing a silent gap in the stream. Safe to call twice.
func (s *Server) Reset() {
	subs := s.registry.Snapshot()
	for _, sub := range subs {
		s.registry.Remove(sub.ID)
	}
	// Close frames contend with in-flight sends for each connection's write
	// mutex, so one stalled subscriber must not serialize the rest.
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			sub.closeWith(websocket.CloseServiceRestart, "Detection stream restarting")
		}(sub)
	}
	wg.Wait()
}

// Broadcast serializes the payload once and fans it out to every subscriber
// except the sender. Sends run concurrently under a bounded timeout; a slow
// or failing recipient is evicted without delaying the others.
func (s *Server) Broadcast(payload any, sender *Subscriber) {
	targets := s.registry.Snapshot()
	if len(targets) == 0 {
		return
	}

	data, ok := encodePayload(payload)
	if !ok {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range targets {
		if sender != nil && sub.ID == sender.ID {
			continue
		}
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			if err := sub.send(data, s.sendTimeout); err != nil {
				log.Printf("Send to %s failed: %v; closing connection", sub.RemoteAddr, err)
				s.registry.Remove(sub.ID)
				sub.closeWith(websocket.CloseInternalServerErr, "send timeout")
			}
		}(sub)
	}
	wg.Wait()
}

func encodePayload(payload any) ([]byte, bool) {
	switch value := payload.(type) {
	case []byte:
		return value, true
	case string:
		return []byte(value), true
	case json.RawMessage:
		return value, true
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("Unable to serialize detection payload: %v", err)
			return nil, false
		}
		return data, true
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleSubscriber(w, r)
		return
	}

	log.Printf("Handled HTTP request: %s", r.URL.RequestURI())

	path := r.URL.Path
	switch {
	case path == "/analysis" || path == "/analysis/":
		s.handleAnalysis(w, r)
	case path == recordingsMount || path == recordingsMount+"/":
		s.handleRecordingsList(w, r)
	case strings.HasPrefix(path, recordingsMount+"/"):
		s.handleRecordingFile(w, strings.TrimPrefix(path, recordingsMount+"/"))
	default:
		if s.serveStatic(w, path) {
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		fmt.Fprintf(w, "Detection broadcaster is running. Connect with a WebSocket client at %s.", s.path)
	}
}

func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade failed: %v", err)
		return
	}
	if r.URL.Path != s.path {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Invalid path"))
		conn.Close()
		return
	}

	sub := newSubscriber(conn)
	s.registry.Add(sub)
	log.Printf("Subscriber connected from %s (%d active)", sub.RemoteAddr, s.registry.Len())

	defer func() {
		s.registry.Remove(sub.ID)
		conn.Close()
		log.Printf("Subscriber disconnected from %s", sub.RemoteAddr)
	}()

	// Inbound messages are relayed to every other subscriber so clients can
	// exchange control traffic through the same channel.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.Broadcast(data, sub)
	}
}

func (s *Server) serveStatic(w http.ResponseWriter, requestPath string) bool {
	if s.staticDir == "" {
		return false
	}
	root, err := filepath.Abs(s.staticDir)
	if err != nil {
		return false
	}
	candidate := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(requestPath, "/")))
	candidate = filepath.Clean(candidate)
	if candidate != root && !strings.HasPrefix(candidate, root+string(filepath.Separator)) {
		return false
	}
	info, err := os.Stat(candidate)
	if err == nil && info.IsDir() {
		candidate = filepath.Join(candidate, "index.html")
		info, err = os.Stat(candidate)
	}
	if err != nil || info.IsDir() {
		return false
	}
	serveFile(w, candidate, "no-cache")
	return true
}

func serveFile(w http.ResponseWriter, path, cacheControl string) {
	file, err := os.Open(path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, file); err != nil {
		log.Printf("Error streaming %s: %v", path, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Unable to serialize response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(body)
}
