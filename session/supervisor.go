package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// Supervisor runs sessions back to back: one RtcSession lifecycle end to
// end, teardown, then a fixed delay before the next attempt, until told to
// stop.
type Supervisor struct {
	cfg        Config
	retryDelay time.Duration

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	stopped sync.Once
}

func NewSupervisor(cfg Config, retryDelay time.Duration) *Supervisor {
	if retryDelay <= 0 {
		retryDelay = 3 * time.Second
	}
	return &Supervisor{
		cfg:        cfg,
		retryDelay: retryDelay,
		stopCh:     make(chan struct{}),
	}
}

// Run loops until Stop is called or the context is cancelled. Every
// outcome, including cancellation, tears the session down before the next
// attempt; sinks are reset between attempts so stale subscribers reconnect
// instead of waiting on a dead stream.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if s.isClosed() || ctx.Err() != nil {
			return
		}

		sessCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		// Stop may have landed between the isClosed check above and this
		// assignment, in which case it cancelled the previous iteration's
		// context and will never see this one.
		closed := s.closed
		s.mu.Unlock()
		if closed {
			cancel()
			return
		}

		sess := New(s.cfg)
		err := sess.Run(sessCtx)
		cancel()

		if err != nil && ctx.Err() == nil {
			log.Printf("Session for stream %s ended: %v", s.cfg.StreamID, err)
		} else {
			log.Printf("Session for stream %s ended", s.cfg.StreamID)
		}

		if s.isClosed() || ctx.Err() != nil {
			return
		}

		for _, sk := range s.cfg.Sinks {
			sk.Reset()
		}

		log.Printf("Restarting session for stream %s in %s", s.cfg.StreamID, s.retryDelay)
		select {
		case <-time.After(s.retryDelay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the loop promptly: it cancels any pending retry wait and the
// active session. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.stopped.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()
		close(s.stopCh)
		if cancel != nil {
			cancel()
		}
	})
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
