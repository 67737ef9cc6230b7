package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/pkg/eventloop"
	apperrors "meetline/pkg/errors"
	"meetline/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	NegotiationResultConnected = "connected"
	NegotiationResultFailed    = "failed"

	ICERestartAttempted = "attempted"
	ICERestartRecovered = "recovered"
	ICERestartFailed    = "failed"
)

// Signaler sends negotiation messages to one remote peer.
type Signaler interface {
	SendOffer(ctx context.Context, offer webrtc.SessionDescription, to domain.PeerID) error
	SendAnswer(ctx context.Context, answer webrtc.SessionDescription, to domain.PeerID) error
	SendICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit, to domain.PeerID) error
}

type PeerManagerConfig struct {
	// RestartGrace is how long a failed connection gets to recover after an
	// ICE restart before it is discarded.
	RestartGrace time.Duration
}

// PeerManager owns every peer connection of the session, at most one per
// remote peer id. Callbacks from the media stack are posted onto the session
// event loop; connections replaced since a callback was registered are
// recognised by their generation and ignored.
type PeerManager struct {
	mu      sync.RWMutex
	conns   map[domain.PeerID]*PeerConnection
	nextGen uint64
	local   ports.LocalMedia

	mediaListeners []func(map[domain.PeerID][]ports.RemoteStream)

	cfg       PeerManagerConfig
	factory   ports.ConnectionFactory
	signaler  Signaler
	roster    *RosterManager
	loop      *eventloop.Loop
	metrics   ports.CallMetrics
	afterFunc func(time.Duration, func()) *time.Timer
	logger    *zap.SugaredLogger
}

func NewPeerManager(
	cfg PeerManagerConfig,
	factory ports.ConnectionFactory,
	signaler Signaler,
	roster *RosterManager,
	loop *eventloop.Loop,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *PeerManager {
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = 5 * time.Second
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PeerManager{
		conns:     make(map[domain.PeerID]*PeerConnection),
		cfg:       cfg,
		factory:   factory,
		signaler:  signaler,
		roster:    roster,
		loop:      loop,
		metrics:   metrics,
		afterFunc: time.AfterFunc,
		logger:    logger,
	}
}

// SetLocalMedia sets the tracks attached to connections created afterwards.
func (m *PeerManager) SetLocalMedia(local ports.LocalMedia) {
	m.mu.Lock()
	m.local = local
	m.mu.Unlock()
}

// OnRemoteMediaChanged registers fn to receive the remote media map whenever
// a stream is added or a connection is removed.
func (m *PeerManager) OnRemoteMediaChanged(fn func(map[domain.PeerID][]ports.RemoteStream)) {
	m.mu.Lock()
	m.mediaListeners = append(m.mediaListeners, fn)
	m.mu.Unlock()
}

// Create returns the connection for p, creating it if none exists or the
// existing one is unhealthy. An initiator starts the offer immediately.
func (m *PeerManager) Create(p domain.Participant, isInitiator bool) (*PeerConnection, error) {
	m.mu.Lock()
	if existing, ok := m.conns[p.PeerID]; ok {
		if existing.healthy() {
			m.mu.Unlock()
			m.logger.Debugw("reusing healthy peer connection", "peer_id", p.PeerID)
			return existing, nil
		}
		delete(m.conns, p.PeerID)
		m.mu.Unlock()
		m.logger.Infow("replacing stale peer connection",
			"peer_id", p.PeerID,
			"state", existing.State().String(),
		)
		m.closeConnection(existing)
		m.mu.Lock()
	}

	local := m.local
	m.nextGen++
	gen := m.nextGen
	m.mu.Unlock()

	conn, err := m.factory.NewConnection()
	if err != nil {
		m.metrics.RecordNegotiation(NegotiationResultFailed)
		return nil, apperrors.NewNegotiationError(fmt.Errorf("new connection: %w", err), string(p.PeerID))
	}

	if local != nil {
		for _, track := range local.Tracks() {
			if _, err := conn.AddTrack(track); err != nil {
				_ = conn.Close()
				m.metrics.RecordNegotiation(NegotiationResultFailed)
				return nil, apperrors.NewNegotiationError(fmt.Errorf("add track %s: %w", track.ID(), err), string(p.PeerID))
			}
		}
	}

	pc := newPeerConnection(p.PeerID, conn, gen, isInitiator)
	m.wire(pc)

	m.mu.Lock()
	m.conns[p.PeerID] = pc
	count := len(m.conns)
	m.mu.Unlock()
	m.metrics.SetPeerConnections(count)

	m.logger.Infow("peer connection created",
		"peer_id", p.PeerID,
		"initiator", isInitiator,
		"generation", gen,
	)

	if isInitiator {
		m.sendOffer(pc, false)
	}
	return pc, nil
}

func (m *PeerManager) wire(pc *PeerConnection) {
	peerID, gen := pc.peerID, pc.gen

	pc.conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := ports.RemoteTrack{ID: track.ID(), Kind: track.Kind(), Track: track}
		streamID := track.StreamID()
		ssrc := uint32(track.SSRC())
		m.post(func() { m.handleRemoteTrack(peerID, gen, streamID, rt, ssrc) })
	})
	pc.conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.post(func() { m.handleLocalCandidate(peerID, gen, init) })
	})
	pc.conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.post(func() { m.handleConnectionState(peerID, gen, s) })
	})
	pc.conn.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		m.post(func() { m.handleICEState(peerID, gen, s) })
	})
}

func (m *PeerManager) post(fn func()) {
	if !m.loop.Post(fn) {
		m.logger.Debugw("event loop stopped, dropping peer callback")
	}
}

func (m *PeerManager) sendOffer(pc *PeerConnection, iceRestart bool) {
	ctx, span := tracing.TraceWebRTC(context.Background(), "offer", string(pc.peerID))
	offer, err := pc.createOffer(iceRestart)
	if err == nil {
		err = m.signaler.SendOffer(ctx, offer, pc.peerID)
	}
	tracing.EndSpan(span, err)

	if err != nil {
		m.MarkFailed(pc, err)
		return
	}
	m.logger.Debugw("offer sent", "peer_id", pc.peerID, "ice_restart", iceRestart)
}

// Get returns the current connection for peerID.
func (m *PeerManager) Get(peerID domain.PeerID) (*PeerConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.conns[peerID]
	return pc, ok
}

func (m *PeerManager) current(peerID domain.PeerID, gen uint64) *PeerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pc, ok := m.conns[peerID]; ok && pc.gen == gen {
		return pc
	}
	return nil
}

// Count returns the number of live connections.
func (m *PeerManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// PeerIDs returns the peers that currently have a connection.
func (m *PeerManager) PeerIDs() []domain.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]domain.PeerID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Recover creates an answering connection for a roster member that has none,
// e.g. after its previous connection was discarded.
func (m *PeerManager) Recover(peerID domain.PeerID) (*PeerConnection, bool) {
	if m.roster == nil {
		return nil, false
	}
	p, ok := m.roster.Get(peerID)
	if !ok {
		return nil, false
	}
	pc, err := m.Create(p, false)
	if err != nil {
		m.logger.Warnw("failed to recreate connection for known participant",
			"peer_id", peerID,
			"error", err,
		)
		return nil, false
	}
	m.logger.Infow("recreated connection for known participant", "peer_id", peerID)
	return pc, true
}

// ReplaceAsAnswerer closes the connection for peerID and creates a fresh
// non-initiating one.
func (m *PeerManager) ReplaceAsAnswerer(peerID domain.PeerID) (*PeerConnection, error) {
	p, ok := m.participant(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPeer, peerID)
	}
	m.remove(peerID)
	return m.Create(p, false)
}

// Refresh force-recreates the connection for peerID with the local side initiating.
func (m *PeerManager) Refresh(peerID domain.PeerID) (*PeerConnection, error) {
	p, ok := m.participant(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPeer, peerID)
	}
	if m.roster != nil {
		m.roster.SetRefreshing(peerID, true)
	}
	m.remove(peerID)
	pc, err := m.Create(p, true)
	if err != nil && m.roster != nil {
		m.roster.SetRefreshing(peerID, false)
	}
	return pc, err
}

func (m *PeerManager) participant(peerID domain.PeerID) (domain.Participant, bool) {
	if m.roster != nil {
		if p, ok := m.roster.Get(peerID); ok {
			return p, true
		}
	}
	if _, ok := m.Get(peerID); ok {
		return domain.Participant{PeerID: peerID}, true
	}
	return domain.Participant{}, false
}

// MarkFailed records a negotiation failure on pc and hands it to the restart
// policy. Other connections are unaffected.
func (m *PeerManager) MarkFailed(pc *PeerConnection, err error) {
	if m.current(pc.peerID, pc.gen) == nil {
		return
	}
	m.metrics.RecordNegotiation(NegotiationResultFailed)
	m.logger.Warnw("negotiation failed",
		"peer_id", pc.peerID,
		"state", pc.State().String(),
		"error", err,
	)
	m.armRestart(pc, false)
}

func (m *PeerManager) handleConnectionState(peerID domain.PeerID, gen uint64, s webrtc.PeerConnectionState) {
	pc := m.current(peerID, gen)
	if pc == nil {
		return
	}
	m.logger.Debugw("connection state changed", "peer_id", peerID, "state", s.String())

	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.handleConnected(pc)
	case webrtc.PeerConnectionStateFailed:
		m.handleTransportFailure(pc)
	case webrtc.PeerConnectionStateDisconnected:
		m.logger.Warnw("peer connection disconnected", "peer_id", peerID)
	}
}

func (m *PeerManager) handleICEState(peerID domain.PeerID, gen uint64, s webrtc.ICEConnectionState) {
	pc := m.current(peerID, gen)
	if pc == nil {
		return
	}
	m.logger.Debugw("ice connection state changed", "peer_id", peerID, "state", s.String())

	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.handleConnected(pc)
	case webrtc.ICEConnectionStateFailed:
		m.handleTransportFailure(pc)
	}
}

func (m *PeerManager) handleConnected(pc *PeerConnection) {
	if pc.State() == domain.NegotiationConnected && !pc.restarting() {
		return
	}
	recovered, first := pc.markConnected()
	if recovered {
		m.metrics.RecordICERestart(ICERestartRecovered)
		m.logger.Infow("peer connection recovered", "peer_id", pc.peerID)
	}
	if first {
		m.metrics.RecordNegotiation(NegotiationResultConnected)
		m.logger.Infow("peer connection established",
			"peer_id", pc.peerID,
			"setup_ms", time.Since(pc.createdAt).Milliseconds(),
		)
	}
	if m.roster != nil {
		m.roster.SetConnectionActive(pc.peerID, true)
		m.roster.SetRefreshing(pc.peerID, false)
	}
}

func (m *PeerManager) handleTransportFailure(pc *PeerConnection) {
	m.logger.Warnw("peer connection failed", "peer_id", pc.peerID, "initiator", pc.initiator)
	m.armRestart(pc, true)
}

// armRestart starts the grace period for pc. When iceRestart is set and the
// local side is the initiator, an ICE-restart offer is sent; the answering
// side recovers by answering that offer.
func (m *PeerManager) armRestart(pc *PeerConnection, iceRestart bool) {
	peerID, gen := pc.peerID, pc.gen
	armed := pc.beginRestart(func() *time.Timer {
		return m.afterFunc(m.cfg.RestartGrace, func() {
			m.post(func() { m.restartDeadline(peerID, gen) })
		})
	})
	if !armed {
		return
	}
	m.metrics.RecordICERestart(ICERestartAttempted)

	if iceRestart && pc.initiator {
		m.logger.Infow("attempting ice restart", "peer_id", peerID)
		ctx, span := tracing.TraceWebRTC(context.Background(), "ice_restart", string(peerID))
		offer, err := pc.createOffer(true)
		if err == nil {
			err = m.signaler.SendOffer(ctx, offer, peerID)
		}
		tracing.EndSpan(span, err)
		if err != nil {
			m.logger.Warnw("ice restart offer failed", "peer_id", peerID, "error", err)
		}
	}
}

func (m *PeerManager) restartDeadline(peerID domain.PeerID, gen uint64) {
	pc := m.current(peerID, gen)
	if pc == nil {
		return
	}
	if pc.connected() {
		m.handleConnected(pc)
		return
	}

	m.metrics.RecordICERestart(ICERestartFailed)
	m.logger.Warnw("peer connection did not recover, discarding",
		"peer_id", peerID,
		"grace", m.cfg.RestartGrace.String(),
	)
	m.ClosePeerConnection(peerID)
}

func (m *PeerManager) handleLocalCandidate(peerID domain.PeerID, gen uint64, c webrtc.ICECandidateInit) {
	if m.current(peerID, gen) == nil {
		return
	}
	if err := m.signaler.SendICECandidate(context.Background(), c, peerID); err != nil {
		m.logger.Warnw("failed to send ice candidate", "peer_id", peerID, "error", err)
	}
}

func (m *PeerManager) handleRemoteTrack(peerID domain.PeerID, gen uint64, streamID string, t ports.RemoteTrack, ssrc uint32) {
	pc := m.current(peerID, gen)
	if pc == nil {
		return
	}

	added, newStream := pc.addRemoteTrack(streamID, t)
	m.logger.Infow("remote track received",
		"peer_id", peerID,
		"stream_id", streamID,
		"track_id", t.ID,
		"kind", t.Kind.String(),
		"new_stream", newStream,
	)

	if t.Kind == webrtc.RTPCodecTypeVideo && ssrc != 0 {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}
		if err := pc.conn.WriteRTCP(pli); err != nil {
			m.logger.Debugw("failed to request keyframe", "peer_id", peerID, "error", err)
		}
	}
	if added {
		m.emitMedia()
	}
}

// RemoteMedia returns the remote streams of every connection.
func (m *PeerManager) RemoteMedia() map[domain.PeerID][]ports.RemoteStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.PeerID][]ports.RemoteStream, len(m.conns))
	for id, pc := range m.conns {
		if streams := pc.Streams(); len(streams) > 0 {
			out[id] = streams
		}
	}
	return out
}

// ClosePeerConnection closes and removes the connection for peerID and its
// remote media. The participant stays in the roster.
func (m *PeerManager) ClosePeerConnection(peerID domain.PeerID) bool {
	if !m.remove(peerID) {
		return false
	}
	if m.roster != nil {
		m.roster.SetConnectionActive(peerID, false)
		m.roster.SetRefreshing(peerID, false)
	}
	return true
}

func (m *PeerManager) remove(peerID domain.PeerID) bool {
	m.mu.Lock()
	pc, ok := m.conns[peerID]
	if ok {
		delete(m.conns, peerID)
	}
	count := len(m.conns)
	m.mu.Unlock()
	if !ok {
		return false
	}

	hadMedia := len(pc.Streams()) > 0
	m.closeConnection(pc)
	m.metrics.SetPeerConnections(count)
	m.logger.Infow("peer connection closed", "peer_id", peerID)
	if hadMedia {
		m.emitMedia()
	}
	return true
}

// CloseAll closes every connection.
func (m *PeerManager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[domain.PeerID]*PeerConnection)
	m.mu.Unlock()

	if len(conns) == 0 {
		return
	}
	for _, pc := range conns {
		m.closeConnection(pc)
	}
	m.metrics.SetPeerConnections(0)
	m.logger.Infow("closed all peer connections", "count", len(conns))
	m.emitMedia()
}

// Prune closes connections whose peer is not in keep.
func (m *PeerManager) Prune(keep []domain.Participant) {
	present := make(map[domain.PeerID]struct{}, len(keep))
	for _, p := range keep {
		present[p.PeerID] = struct{}{}
	}
	for _, id := range m.PeerIDs() {
		if _, ok := present[id]; !ok {
			m.remove(id)
		}
	}
}

func (m *PeerManager) closeConnection(pc *PeerConnection) {
	if err := pc.close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		m.logger.Debugw("error closing peer connection", "peer_id", pc.peerID, "error", err)
	}
}

func (m *PeerManager) emitMedia() {
	m.mu.RLock()
	listeners := append([]func(map[domain.PeerID][]ports.RemoteStream){}, m.mediaListeners...)
	m.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	media := m.RemoteMedia()
	for _, fn := range listeners {
		fn(media)
	}
}

// NopMetrics discards call metrics.
type NopMetrics struct{}

func (NopMetrics) SetPeerConnections(int)        {}
func (NopMetrics) RecordNegotiation(string)      {}
func (NopMetrics) RecordICERestart(string)       {}
func (NopMetrics) RecordSignalingDropped(string) {}
func (NopMetrics) RecordRelayConnect(string)     {}
