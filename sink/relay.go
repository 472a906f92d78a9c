package sink

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelaySink forwards detections to a remote relay endpoint over a single
// websocket connection. The connection is dialed lazily on first use; a
// failed send gets exactly one reconnect and resend before the payload is
// dropped.
type RelaySink struct {
	endpoint    string
	sendTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewRelaySink(endpoint string) *RelaySink {
	return &RelaySink{
		endpoint:    endpoint,
		sendTimeout: 3 * time.Second,
	}
}

func (s *RelaySink) Start() error { return nil }

func (s *RelaySink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	return nil
}

// Reset drops the current connection so the next send re-establishes it.
func (s *RelaySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
}

func (s *RelaySink) Broadcast(payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		log.Printf("Unable to serialize relay payload: %v", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if err := s.dialLocked(); err != nil {
			log.Printf("Relay %s unreachable, dropping payload: %v", s.endpoint, err)
			return err
		}
	}

	if err := s.sendLocked(data); err != nil {
		s.dropLocked()
		if redialErr := s.dialLocked(); redialErr != nil {
			log.Printf("Relay %s reconnect failed, dropping payload: %v", s.endpoint, redialErr)
			return fmt.Errorf("relay send failed: %w", err)
		}
		if err := s.sendLocked(data); err != nil {
			s.dropLocked()
			log.Printf("Relay %s resend failed, dropping payload: %v", s.endpoint, err)
			return err
		}
	}
	return nil
}

func (s *RelaySink) dialLocked() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.endpoint, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *RelaySink) sendLocked(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.sendTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *RelaySink) dropLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func encodePayload(payload any) ([]byte, error) {
	switch value := payload.(type) {
	case []byte:
		return value, nil
	case string:
		return []byte(value), nil
	case json.RawMessage:
		return value, nil
	default:
		return json.Marshal(payload)
	}
}
