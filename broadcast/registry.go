package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Subscriber is one connected fan-out client. The registry owns it from
// accept until close or eviction.
type Subscriber struct {
	ID         string
	RemoteAddr string

	conn     *websocket.Conn
	writeMux sync.Mutex
}

func newSubscriber(conn *websocket.Conn) *Subscriber {
	return &Subscriber{
		ID:         uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
	}
}

// send writes one text frame with a bounded deadline. Writes are serialized
// per connection so fan-out never interleaves frames.
func (s *Subscriber) send(data []byte, timeout time.Duration) error {
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame and drops the connection.
func (s *Subscriber) closeWith(code int, reason string) {
	s.writeMux.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.writeMux.Unlock()
	s.conn.Close()
}

// Registry tracks live subscriber connections for fan-out and eviction.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Subscriber
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Subscriber)}
}

func (r *Registry) Add(sub *Subscriber) {
	r.mu.Lock()
	r.clients[sub.ID] = sub
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Snapshot returns a stable copy of the current subscriber set so an
// in-flight fan-out is never corrupted by concurrent accept or eviction.
func (r *Registry) Snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]*Subscriber, 0, len(r.clients))
	for _, sub := range r.clients {
		subs = append(subs, sub)
	}
	return subs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
