package ports

import (
	"context"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// MediaConnection is the subset of *webrtc.PeerConnection the peer manager drives.
type MediaConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)

	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))

	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	SignalingState() webrtc.SignalingState

	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// ConnectionFactory allocates new media connections.
type ConnectionFactory interface {
	NewConnection() (MediaConnection, error)
}

type CameraFacing string

const (
	FacingFront CameraFacing = "front"
	FacingBack  CameraFacing = "back"
)

// MediaConstraints describe what local capture must satisfy.
type MediaConstraints struct {
	Audio        bool
	Video        bool
	MinWidth     int
	MinHeight    int
	MinFrameRate int
	Facing       CameraFacing
}

// LocalMedia is the acquired local capture handle.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Muted() bool
	SetMuted(muted bool)
	Facing() CameraFacing
	SwitchCamera() (CameraFacing, error)
	Close() error
}

// MediaProvider acquires local capture. It fails with domain.ErrPermissionDenied
// or domain.ErrDeviceError.
type MediaProvider interface {
	Acquire(ctx context.Context, constraints MediaConstraints) (LocalMedia, error)
}

// RemoteTrack describes one inbound track. Track is nil in tests.
type RemoteTrack struct {
	ID    string
	Kind  webrtc.RTPCodecType
	Track *webrtc.TrackRemote
}

// RemoteStream groups the tracks a remote participant sends under one stream id.
type RemoteStream struct {
	StreamID string
	Tracks   []RemoteTrack
}
