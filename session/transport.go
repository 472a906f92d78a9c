package session

import (
	"github.com/pion/webrtc/v3"
)

// Transport is the slice of the media-transport engine the session drives:
// the signaling handshake plus the event hooks it reacts to. The engine
// owns ICE/DTLS/SRTP and codec negotiation.
type Transport interface {
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

// NewPeerTransport creates the default pion-backed transport.
func NewPeerTransport(iceServers []webrtc.ICEServer) (Transport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &pionTransport{pc: pc}, nil
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(handler)
}

func (t *pionTransport) OnTrack(handler func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.pc.OnTrack(handler)
}

func (t *pionTransport) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(handler)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
