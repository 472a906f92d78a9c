package sink

import (
	"strzcam.com/detection/broadcast"
)

// LocalSink delivers detections to the broadcast server's subscribers.
type LocalSink struct {
	server   *broadcast.Server
	bindings []broadcast.Listener
}

func NewLocalSink(server *broadcast.Server, bindings []broadcast.Listener) *LocalSink {
	return &LocalSink{server: server, bindings: bindings}
}

func (s *LocalSink) Start() error {
	return s.server.Start(s.bindings)
}

func (s *LocalSink) Stop() error {
	s.server.Stop()
	return nil
}

// Reset disconnects every current subscriber so they reconnect to the
// restarted stream instead of waiting on a dead one.
func (s *LocalSink) Reset() {
	s.server.Reset()
}

func (s *LocalSink) Broadcast(payload any) error {
	s.server.Broadcast(payload, nil)
	return nil
}
