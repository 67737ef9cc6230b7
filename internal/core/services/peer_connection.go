package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/pkg/protocol"

	"github.com/pion/webrtc/v3"
)

// errGlare is returned when an offer arrives while our own offer is outstanding.
var errGlare = errors.New("offer collision")

// PeerConnection is one negotiated media connection toward a remote participant.
type PeerConnection struct {
	peerID    domain.PeerID
	conn      ports.MediaConnection
	gen       uint64
	initiator bool
	createdAt time.Time

	mu                sync.Mutex
	state             domain.NegotiationState
	pending           []webrtc.ICECandidateInit
	remoteFingerprint string
	streams           []ports.RemoteStream
	restartTimer      *time.Timer
	everConnected     bool
}

func newPeerConnection(peerID domain.PeerID, conn ports.MediaConnection, gen uint64, initiator bool) *PeerConnection {
	return &PeerConnection{
		peerID:    peerID,
		conn:      conn,
		gen:       gen,
		initiator: initiator,
		createdAt: time.Now(),
		state:     domain.NegotiationNone,
	}
}

func (pc *PeerConnection) PeerID() domain.PeerID {
	return pc.peerID
}

func (pc *PeerConnection) IsInitiator() bool {
	return pc.initiator
}

func (pc *PeerConnection) Connection() ports.MediaConnection {
	return pc.conn
}

func (pc *PeerConnection) State() domain.NegotiationState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *PeerConnection) setState(s domain.NegotiationState) {
	pc.mu.Lock()
	pc.state = s
	pc.mu.Unlock()
}

// PendingCandidates returns the number of remote candidates waiting for a
// remote description.
func (pc *PeerConnection) PendingCandidates() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.pending)
}

// Streams returns a copy of the remote streams received so far.
func (pc *PeerConnection) Streams() []ports.RemoteStream {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]ports.RemoteStream, len(pc.streams))
	for i, s := range pc.streams {
		out[i] = ports.RemoteStream{
			StreamID: s.StreamID,
			Tracks:   append([]ports.RemoteTrack(nil), s.Tracks...),
		}
	}
	return out
}

// healthy reports whether the transport is new, connecting or connected.
func (pc *PeerConnection) healthy() bool {
	if pc.State() == domain.NegotiationFailed {
		return false
	}
	switch pc.conn.ConnectionState() {
	case webrtc.PeerConnectionStateNew,
		webrtc.PeerConnectionStateConnecting,
		webrtc.PeerConnectionStateConnected:
		return true
	default:
		return false
	}
}

func (pc *PeerConnection) connected() bool {
	if pc.conn.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return true
	}
	switch pc.conn.ICEConnectionState() {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return true
	default:
		return false
	}
}

// createOffer creates and applies a local offer.
func (pc *PeerConnection) createOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.conn.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.conn.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	pc.setState(domain.NegotiationOffering)
	return offer, nil
}

// acceptOffer applies a remote offer and returns the applied local answer.
// candidateErr reports buffered candidates that were rejected; it does not
// invalidate the answer.
func (pc *PeerConnection) acceptOffer(offer webrtc.SessionDescription) (answer webrtc.SessionDescription, candidateErr error, err error) {
	if pc.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, nil, errGlare
	}
	if err := pc.conn.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("set remote offer: %w", err)
	}
	pc.rememberFingerprint(offer.SDP)
	candidateErr = pc.flushCandidates()

	answer, err = pc.conn.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, candidateErr, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.conn.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, candidateErr, fmt.Errorf("set local answer: %w", err)
	}
	if !pc.connected() {
		pc.setState(domain.NegotiationAnswering)
	}
	return answer, candidateErr, nil
}

// rollback discards our outstanding local offer.
func (pc *PeerConnection) rollback() error {
	if err := pc.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rollback local offer: %w", err)
	}
	pc.setState(domain.NegotiationNone)
	return nil
}

// acceptAnswer applies the remote answer to our outstanding offer.
func (pc *PeerConnection) acceptAnswer(answer webrtc.SessionDescription) (candidateErr error, err error) {
	if st := pc.conn.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		return nil, fmt.Errorf("unexpected answer in signaling state %s", st)
	}
	if err := pc.conn.SetRemoteDescription(answer); err != nil {
		return nil, fmt.Errorf("set remote answer: %w", err)
	}
	pc.rememberFingerprint(answer.SDP)
	return pc.flushCandidates(), nil
}

// addCandidate applies c, or queues it until a remote description is set.
func (pc *PeerConnection) addCandidate(c webrtc.ICECandidateInit) (buffered bool, err error) {
	if pc.conn.RemoteDescription() == nil {
		pc.mu.Lock()
		pc.pending = append(pc.pending, c)
		pc.mu.Unlock()
		return true, nil
	}
	if err := pc.conn.AddICECandidate(c); err != nil {
		return false, fmt.Errorf("add ice candidate: %w", err)
	}
	return false, nil
}

func (pc *PeerConnection) flushCandidates() error {
	pc.mu.Lock()
	queued := pc.pending
	pc.pending = nil
	pc.mu.Unlock()

	var errs []error
	for _, c := range queued {
		if err := pc.conn.AddICECandidate(c); err != nil {
			errs = append(errs, fmt.Errorf("add buffered ice candidate: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (pc *PeerConnection) rememberFingerprint(sdp string) {
	if fp := protocol.Fingerprint(sdp); fp != "" {
		pc.mu.Lock()
		pc.remoteFingerprint = fp
		pc.mu.Unlock()
	}
}

// fingerprintChanged reports whether an inbound description carries a
// different DTLS fingerprint than the one already applied, which means the
// remote side recreated its connection.
func (pc *PeerConnection) fingerprintChanged(sdp string) bool {
	fp := protocol.Fingerprint(sdp)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return fp != "" && pc.remoteFingerprint != "" && fp != pc.remoteFingerprint
}

// addRemoteTrack registers t under streamID. It reports whether t was not
// registered before and whether it opened a new stream.
func (pc *PeerConnection) addRemoteTrack(streamID string, t ports.RemoteTrack) (added, newStream bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for i := range pc.streams {
		if pc.streams[i].StreamID != streamID {
			continue
		}
		for _, existing := range pc.streams[i].Tracks {
			if existing.ID == t.ID {
				return false, false
			}
		}
		pc.streams[i].Tracks = append(pc.streams[i].Tracks, t)
		return true, false
	}
	pc.streams = append(pc.streams, ports.RemoteStream{StreamID: streamID, Tracks: []ports.RemoteTrack{t}})
	return true, true
}

// markConnected records a successful connection and reports whether a
// restart was in progress.
func (pc *PeerConnection) markConnected() (recovered bool, first bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = domain.NegotiationConnected
	first = !pc.everConnected
	pc.everConnected = true
	if pc.restartTimer != nil {
		pc.restartTimer.Stop()
		pc.restartTimer = nil
		recovered = true
	}
	return recovered, first
}

// beginRestart arms the restart deadline. It reports false if one is already armed.
func (pc *PeerConnection) beginRestart(arm func() *time.Timer) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.restartTimer != nil {
		return false
	}
	pc.state = domain.NegotiationFailed
	pc.restartTimer = arm()
	return true
}

func (pc *PeerConnection) restarting() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.restartTimer != nil
}

func (pc *PeerConnection) close() error {
	pc.mu.Lock()
	if pc.restartTimer != nil {
		pc.restartTimer.Stop()
		pc.restartTimer = nil
	}
	pc.state = domain.NegotiationClosed
	pc.streams = nil
	pc.pending = nil
	pc.mu.Unlock()
	return pc.conn.Close()
}
