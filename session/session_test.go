package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"strzcam.com/detection/detect"
	"strzcam.com/detection/signaling"
)

type fakeChannel struct {
	incoming chan []byte
	quit     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sent []signaling.Message
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{incoming: make(chan []byte, 16), quit: make(chan struct{})}
}

func (c *fakeChannel) Send(msg signaling.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Next() ([]byte, error) {
	select {
	case raw := <-c.incoming:
		return raw, nil
	case <-c.quit:
		return nil, errors.New("channel closed")
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.quit) })
	return nil
}

func (c *fakeChannel) push(raw string) {
	c.incoming <- []byte(raw)
}

func (c *fakeChannel) sentMessages() []signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signaling.Message(nil), c.sent...)
}

type fakeTransport struct {
	mu         sync.Mutex
	remote     []webrtc.SessionDescription
	local      []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	onState    func(webrtc.PeerConnectionState)
	closed     bool
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = append(t.remote, desc)
	return nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = append(t.local, desc)
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (t *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (t *fakeTransport) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = handler
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) fireState(state webrtc.PeerConnectionState) {
	t.mu.Lock()
	handler := t.onState
	t.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

func (t *fakeTransport) addedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

type fakeSink struct {
	mu      sync.Mutex
	results []detect.Result
	resets  int
	sendErr error
}

func (s *fakeSink) Start() error { return nil }
func (s *fakeSink) Stop() error  { return nil }

func (s *fakeSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *fakeSink) Broadcast(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result, ok := payload.(detect.Result); ok {
		s.results = append(s.results, result)
	}
	return s.sendErr
}

func (s *fakeSink) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func (s *fakeSink) delivered() []detect.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]detect.Result(nil), s.results...)
}

func newTestSession(channel *fakeChannel, transport *fakeTransport, sinks ...*fakeSink) *Session {
	cfg := Config{
		StreamID:     "garden",
		SignalingURL: "ws://relay/ws",
		Dial: func(ctx context.Context, url string) (Channel, error) {
			return channel, nil
		},
		NewTransport: func([]webrtc.ICEServer) (Transport, error) {
			return transport, nil
		},
	}
	for _, sk := range sinks {
		cfg.Sinks = append(cfg.Sinks, sk)
	}
	return New(cfg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionAnswersOfferAndActivates(t *testing.T) {
	channel := newFakeChannel()
	transport := &fakeTransport{}
	sess := newTestSession(channel, transport)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	channel.push(`{"type":"sdp","sdpType":"offer","sdp":"v=0 offer"}`)
	waitFor(t, "answer", func() bool { return len(channel.sentMessages()) > 0 })
	answer := channel.sentMessages()[0]
	if answer.Type != signaling.TypeSdp || answer.SdpType != "answer" || answer.Sdp == "" {
		t.Errorf("Unexpected answer message: %+v", answer)
	}

	transport.fireState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "active state", func() bool { return sess.State() == StateActive })

	channel.push(signaling.Bye)
	if err := <-done; err != nil {
		t.Errorf("Run returned error after BYE: %v", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", sess.State())
	}
}

func TestSessionSkipsMalformedAndErrorMessages(t *testing.T) {
	channel := newFakeChannel()
	transport := &fakeTransport{}
	sess := newTestSession(channel, transport)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	channel.push(`not json at all`)
	channel.push(`{"error":{"code":"stream_missing"}}`)
	channel.push(`{"type":"carrier-pigeon"}`)
	channel.push(signaling.Bye)

	if err := <-done; err != nil {
		t.Errorf("Malformed input must not fail the session: %v", err)
	}
	if len(transport.addedCandidates()) != 0 || len(channel.sentMessages()) != 0 {
		t.Error("Skipped messages must have no side effects")
	}
}

func TestSessionAppliesNullCandidateAsEndOfCandidates(t *testing.T) {
	channel := newFakeChannel()
	transport := &fakeTransport{}
	sess := newTestSession(channel, transport)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	channel.push(`{"type":"ice","candidate":"candidate:1 1 udp 2130706431 192.0.2.10 5000 typ host"}`)
	channel.push(`{"type":"ice","candidate":null}`)
	waitFor(t, "candidates", func() bool { return len(transport.addedCandidates()) == 2 })

	candidates := transport.addedCandidates()
	if candidates[0].Candidate == "" {
		t.Error("First candidate must carry its payload")
	}
	if candidates[1].Candidate != "" {
		t.Errorf("Null candidate must become the empty end-of-candidates marker, got %q", candidates[1].Candidate)
	}

	channel.push(signaling.Bye)
	<-done
}

func TestSessionTransportFailureResetsSinksAndFails(t *testing.T) {
	channel := newFakeChannel()
	transport := &fakeTransport{}
	first := &fakeSink{}
	second := &fakeSink{}
	sess := newTestSession(channel, transport, first, second)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	waitFor(t, "state handler", func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.onState != nil
	})
	transport.fireState(webrtc.PeerConnectionStateFailed)

	err := <-done
	if err == nil {
		t.Fatal("Expected transport failure to end the session with an error")
	}
	if sess.State() != StateFailed {
		t.Errorf("Expected failed state, got %s", sess.State())
	}
	if first.resetCount() != 1 || second.resetCount() != 1 {
		t.Errorf("Expected one reset per sink, got %d and %d", first.resetCount(), second.resetCount())
	}
}

func TestSessionContextCancellation(t *testing.T) {
	channel := newFakeChannel()
	transport := &fakeTransport{}
	sess := newTestSession(channel, transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	waitFor(t, "negotiating state", func() bool { return sess.State() == StateNegotiating })
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if !closed {
		t.Error("Transport must be closed on cancellation")
	}
}
