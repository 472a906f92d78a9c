package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"

	"strzcam.com/detection/detect"
	"strzcam.com/detection/frame"
	"strzcam.com/detection/signaling"
	"strzcam.com/detection/sink"
)

// State tracks where the session is in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateNegotiating
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Channel is the duplex signaling link to the relay. *signaling.Channel
// implements it.
type Channel interface {
	Send(signaling.Message) error
	Next() ([]byte, error)
	Close() error
}

// TrackOpener turns a remote video track into a decoded frame source.
type TrackOpener func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) (frame.Source, error)

// Config wires one subscriber session together.
type Config struct {
	StreamID     string
	SignalingURL string
	Sinks        []sink.Sink
	Processor    detect.Processor
	OpenTrack    TrackOpener
	ICEServers   []webrtc.ICEServer

	// Dial and NewTransport let tests or alternate engines stand in for
	// the default websocket and pion pair.
	Dial         func(ctx context.Context, url string) (Channel, error)
	NewTransport func(iceServers []webrtc.ICEServer) (Transport, error)
}

// Session owns one media-transport connection. It drives the signaling
// exchange, reacts to transport state changes and incoming video tracks,
// and unwinds back to the supervisor on failure.
type Session struct {
	cfg   Config
	state atomic.Int32

	channel   Channel
	transport Transport

	frameID atomic.Int64

	restartOnce sync.Once
	failErr     atomic.Value // error

	mu          sync.Mutex
	videoCancel context.CancelFunc
	videoDone   chan struct{}
}

var errBye = errors.New("signaling server ended session")

func New(cfg Config) *Session {
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (Channel, error) {
			return signaling.Dial(ctx, url)
		}
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = NewPeerTransport
	}
	return &Session{cfg: cfg}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Run executes the session end to end: connect signaling, negotiate, pump
// messages until the relay says BYE, the transport dies, or the context is
// cancelled. The transport handle and any video task are cleaned up before
// it returns.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting)
	log.Printf("Connecting to signaling server %s", s.cfg.SignalingURL)

	channel, err := s.cfg.Dial(ctx, s.cfg.SignalingURL)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.channel = channel

	transport, err := s.cfg.NewTransport(s.cfg.ICEServers)
	if err != nil {
		channel.Close()
		s.setState(StateFailed)
		return err
	}
	s.transport = transport

	// Cancellation is observed by closing the channel, which unblocks the
	// read loop below.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			channel.Close()
		case <-watchDone:
		}
	}()

	transport.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		msg := signaling.Message{
			Type:          signaling.TypeIce,
			Candidate:     &init.Candidate,
			SdpMid:        init.SDPMid,
			SdpMLineIndex: init.SDPMLineIndex,
		}
		if err := channel.Send(msg); err != nil {
			log.Printf("Failed to send ICE candidate: %v", err)
		}
	})

	transport.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Printf("Received remote track kind=%s", track.Kind())
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		s.startVideoTask(ctx, track, receiver)
	})

	transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("Transport state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.setState(StateActive)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.restart(errors.New("transport " + state.String()))
		}
	})

	s.setState(StateNegotiating)
	err = s.signalingLoop(ctx)

	s.setState(StateClosing)
	s.stopVideoTask()
	transport.Close()
	channel.Close()

	if fail := s.failure(); fail != nil {
		s.setState(StateFailed)
		return fail
	}
	if err != nil && ctx.Err() == nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateClosed)
	return ctx.Err()
}

func (s *Session) signalingLoop(ctx context.Context) error {
	for {
		raw, err := s.channel.Next()
		if err != nil {
			if ctx.Err() != nil || s.failure() != nil {
				return nil
			}
			return err
		}
		if err := s.handleMessage(raw); err != nil {
			if errors.Is(err, errBye) {
				log.Print("Signaling server ended session")
				return nil
			}
			return err
		}
	}
}

func (s *Session) handleMessage(raw []byte) error {
	if string(raw) == signaling.Bye {
		return errBye
	}

	var msg signaling.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("Received invalid JSON from signaling server: %s", raw)
		return nil
	}
	if msg.HasError() {
		log.Printf("Signaling error: %s", msg.Error)
		return nil
	}

	switch msg.Type {
	case signaling.TypeSdp:
		return s.handleSdp(msg)
	case signaling.TypeIce:
		s.handleIce(msg)
		return nil
	default:
		log.Printf("Ignoring unsupported message type %q", msg.Type)
		return nil
	}
}

func (s *Session) handleSdp(msg signaling.Message) error {
	if msg.Sdp == "" {
		log.Print("SDP message missing payload")
		return nil
	}
	sdpType := msg.SdpType
	if sdpType == "" {
		sdpType = "offer"
	}
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdpType), SDP: msg.Sdp}
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		return err
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		return err
	}
	return s.channel.Send(signaling.Message{
		Type:    signaling.TypeSdp,
		SdpType: answer.Type.String(),
		Sdp:     answer.SDP,
	})
}

func (s *Session) handleIce(msg signaling.Message) {
	init := webrtc.ICECandidateInit{}
	if msg.Candidate != nil {
		// An empty candidate string is the end-of-candidates marker and is
		// applied as such.
		init.Candidate = *msg.Candidate
	}
	init.SDPMid = msg.SdpMid
	init.SDPMLineIndex = msg.SdpMLineIndex
	if err := s.transport.AddICECandidate(init); err != nil {
		log.Printf("Failed to add ICE candidate: %v", err)
	}
}

// restart resets the sinks and closes the signaling channel, which unwinds
// the session back to the supervisor. A second concurrent failure while a
// restart is already in flight is a no-op.
func (s *Session) restart(cause error) {
	s.restartOnce.Do(func() {
		s.failErr.Store(cause)
		for _, sk := range s.cfg.Sinks {
			sk.Reset()
		}
		s.channel.Close()
	})
}

func (s *Session) failure() error {
	if err, ok := s.failErr.Load().(error); ok {
		return err
	}
	return nil
}

// startVideoTask cancels any previous frame-consumption task and starts a
// new one. At most one may run per session.
func (s *Session) startVideoTask(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if s.cfg.OpenTrack == nil {
		log.Print("No track opener configured, ignoring video track")
		return
	}

	s.mu.Lock()
	if s.videoCancel != nil {
		s.videoCancel()
	}
	prevDone := s.videoDone
	videoCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.videoCancel = cancel
	s.videoDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if prevDone != nil {
			<-prevDone
		}
		source, err := s.cfg.OpenTrack(track, receiver)
		if err != nil {
			log.Printf("Failed to open video track: %v", err)
			s.restart(err)
			return
		}
		consumer := &frameConsumer{
			processor: s.cfg.Processor,
			sinks:     s.cfg.Sinks,
			frameID:   &s.frameID,
		}
		if err := consumer.run(videoCtx, source); err != nil {
			log.Printf("Video processing failed: %v", err)
			s.restart(err)
		}
	}()
}

func (s *Session) stopVideoTask() {
	s.mu.Lock()
	cancel := s.videoCancel
	done := s.videoDone
	s.videoCancel = nil
	s.videoDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
