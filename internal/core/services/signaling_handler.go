package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/pkg/eventloop"
	"meetline/pkg/protocol"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	DropMalformed      = "malformed"
	DropUnknownPeer    = "unknown_peer"
	DropForeignMeeting = "foreign_meeting"
	DropMisaddressed   = "misaddressed"
	DropGlare          = "glare"
)

// PeerDirectory is the part of the peer manager the signaling handler drives.
type PeerDirectory interface {
	Get(peerID domain.PeerID) (*PeerConnection, bool)
	Recover(peerID domain.PeerID) (*PeerConnection, bool)
	ReplaceAsAnswerer(peerID domain.PeerID) (*PeerConnection, error)
	MarkFailed(pc *PeerConnection, err error)
}

// SignalingHandler turns local negotiation steps into relay messages and
// inbound offer/answer/ice-candidate messages into actions on the matching
// peer connection. Inbound messages are processed on the session event loop.
type SignalingHandler struct {
	mu        sync.RWMutex
	transport ports.SignalingTransport
	unsubs    []func()
	peers     PeerDirectory

	meetingID func() domain.MeetingID
	hold      func(domain.MeetingID, func()) bool
	loop      *eventloop.Loop
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger
}

func NewSignalingHandler(meetingID func() domain.MeetingID, loop *eventloop.Loop, metrics ports.CallMetrics, logger *zap.SugaredLogger) *SignalingHandler {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SignalingHandler{
		meetingID: meetingID,
		loop:      loop,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetPeers binds the directory inbound messages are dispatched to.
func (h *SignalingHandler) SetPeers(peers PeerDirectory) {
	h.mu.Lock()
	h.peers = peers
	h.mu.Unlock()
}

// SetHold installs fn to defer messages for a meeting that is still being joined.
func (h *SignalingHandler) SetHold(fn func(domain.MeetingID, func()) bool) {
	h.mu.Lock()
	h.hold = fn
	h.mu.Unlock()
}

// Attach subscribes to negotiation events on t, replacing any previous transport.
func (h *SignalingHandler) Attach(t ports.SignalingTransport) {
	h.Detach()

	unsubs := []func(){
		t.Subscribe(protocol.EventOffer, h.enqueue(h.onOffer)),
		t.Subscribe(protocol.EventAnswer, h.enqueue(h.onAnswer)),
		t.Subscribe(protocol.EventICECandidate, h.enqueue(h.onICECandidate)),
	}

	h.mu.Lock()
	h.transport = t
	h.unsubs = unsubs
	h.mu.Unlock()
}

// Detach drops the current transport subscriptions.
func (h *SignalingHandler) Detach() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.transport = nil
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (h *SignalingHandler) enqueue(fn func(json.RawMessage)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		if !h.loop.Post(func() { fn(data) }) {
			h.logger.Debugw("event loop stopped, dropping signaling message")
		}
	}
}

func (h *SignalingHandler) current() (ports.SignalingTransport, PeerDirectory) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.transport, h.peers
}

func (h *SignalingHandler) SendOffer(ctx context.Context, offer webrtc.SessionDescription, to domain.PeerID) error {
	return h.sendDescription(ctx, protocol.EventOffer, offer, to)
}

func (h *SignalingHandler) SendAnswer(ctx context.Context, answer webrtc.SessionDescription, to domain.PeerID) error {
	return h.sendDescription(ctx, protocol.EventAnswer, answer, to)
}

func (h *SignalingHandler) sendDescription(ctx context.Context, event string, desc webrtc.SessionDescription, to domain.PeerID) error {
	t, _ := h.current()
	if t == nil {
		return domain.ErrNotConnected
	}
	meetingID := h.meetingID()
	if meetingID == "" {
		return domain.ErrNoActiveMeeting
	}

	payload := protocol.SessionDescriptionPayload{
		From:      string(t.PeerID()),
		To:        string(to),
		MeetingID: string(meetingID),
		SDP:       desc.SDP,
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%s to %s: %w", event, to, err)
	}
	if err := t.Publish(ctx, event, payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, to, err)
	}
	return nil
}

func (h *SignalingHandler) SendICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit, to domain.PeerID) error {
	t, _ := h.current()
	if t == nil {
		return domain.ErrNotConnected
	}

	payload := protocol.ICECandidatePayload{
		From:      string(t.PeerID()),
		To:        string(to),
		MeetingID: string(h.meetingID()),
		Candidate: protocol.CandidateFromPion(candidate),
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("ice-candidate to %s: %w", to, err)
	}
	if err := t.Publish(ctx, protocol.EventICECandidate, payload); err != nil {
		return fmt.Errorf("publish ice-candidate to %s: %w", to, err)
	}
	return nil
}

func (h *SignalingHandler) drop(reason, event string, from string, err error) {
	h.metrics.RecordSignalingDropped(reason)
	fields := []interface{}{"event", event, "reason", reason, "peer_id", from}
	if err != nil {
		fields = append(fields, "error", err)
	}
	h.logger.Warnw("dropping signaling message", fields...)
}

// accepts checks the addressing of an inbound message. A message for the
// meeting being joined is handed to replay once the join completes.
func (h *SignalingHandler) accepts(event, from, to, meetingID string, replay func()) bool {
	t, _ := h.current()
	if t != nil && to != string(t.PeerID()) {
		h.drop(DropMisaddressed, event, from, nil)
		return false
	}
	current := h.meetingID()
	if current == "" && meetingID != "" {
		h.mu.RLock()
		hold := h.hold
		h.mu.RUnlock()
		if hold != nil && hold(domain.MeetingID(meetingID), replay) {
			h.logger.Debugw("holding signaling message until join completes", "event", event, "peer_id", from)
			return false
		}
	}
	if current == "" || (meetingID != "" && meetingID != string(current)) {
		h.drop(DropForeignMeeting, event, from, fmt.Errorf("%w: %q", domain.ErrForeignMeeting, meetingID))
		return false
	}
	return true
}

func (h *SignalingHandler) onOffer(data json.RawMessage) {
	msg, err := protocol.Decode[protocol.SessionDescriptionPayload](data)
	if err != nil {
		h.drop(DropMalformed, protocol.EventOffer, "", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err))
		return
	}
	if !h.accepts(protocol.EventOffer, msg.From, msg.To, msg.MeetingID, func() { h.onOffer(data) }) {
		return
	}
	_, peers := h.current()
	if peers == nil {
		return
	}

	from := domain.PeerID(msg.From)
	pc, ok := peers.Get(from)
	if !ok {
		if pc, ok = peers.Recover(from); !ok {
			h.drop(DropUnknownPeer, protocol.EventOffer, msg.From, domain.ErrUnknownPeer)
			return
		}
	} else if pc.fingerprintChanged(msg.SDP) {
		h.logger.Infow("remote peer recreated its connection, replacing ours", "peer_id", from)
		if pc, err = peers.ReplaceAsAnswerer(from); err != nil {
			h.logger.Errorw("failed to replace peer connection", "peer_id", from, "error", err)
			return
		}
	}

	answer, candidateErr, err := pc.acceptOffer(msg.Description(webrtc.SDPTypeOffer))
	if errors.Is(err, errGlare) {
		if !h.polite(from) {
			h.drop(DropGlare, protocol.EventOffer, msg.From, err)
			return
		}
		h.logger.Infow("offer collision, rolling back local offer", "peer_id", from)
		if err = pc.rollback(); err == nil {
			answer, candidateErr, err = pc.acceptOffer(msg.Description(webrtc.SDPTypeOffer))
		}
	}
	if candidateErr != nil {
		h.logger.Warnw("some buffered ice candidates were rejected", "peer_id", from, "error", candidateErr)
	}
	if err != nil {
		peers.MarkFailed(pc, err)
		return
	}

	if err := h.SendAnswer(context.Background(), answer, from); err != nil {
		peers.MarkFailed(pc, err)
		return
	}
	h.logger.Debugw("answer sent", "peer_id", from)
}

// polite reports whether the local side yields on an offer collision with remote.
func (h *SignalingHandler) polite(remote domain.PeerID) bool {
	t, _ := h.current()
	return t != nil && t.PeerID() < remote
}

func (h *SignalingHandler) onAnswer(data json.RawMessage) {
	msg, err := protocol.Decode[protocol.SessionDescriptionPayload](data)
	if err != nil {
		h.drop(DropMalformed, protocol.EventAnswer, "", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err))
		return
	}
	if !h.accepts(protocol.EventAnswer, msg.From, msg.To, msg.MeetingID, func() { h.onAnswer(data) }) {
		return
	}
	_, peers := h.current()
	if peers == nil {
		return
	}

	from := domain.PeerID(msg.From)
	pc, ok := peers.Get(from)
	if !ok {
		h.drop(DropUnknownPeer, protocol.EventAnswer, msg.From, domain.ErrUnknownPeer)
		return
	}
	candidateErr, err := pc.acceptAnswer(msg.Description(webrtc.SDPTypeAnswer))
	if candidateErr != nil {
		h.logger.Warnw("some buffered ice candidates were rejected", "peer_id", from, "error", candidateErr)
	}
	if err != nil {
		peers.MarkFailed(pc, err)
		return
	}
	h.logger.Debugw("answer applied", "peer_id", from)
}

func (h *SignalingHandler) onICECandidate(data json.RawMessage) {
	msg, err := protocol.Decode[protocol.ICECandidatePayload](data)
	if err != nil {
		h.drop(DropMalformed, protocol.EventICECandidate, "", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err))
		return
	}
	if !h.accepts(protocol.EventICECandidate, msg.From, msg.To, msg.MeetingID, func() { h.onICECandidate(data) }) {
		return
	}
	_, peers := h.current()
	if peers == nil {
		return
	}

	from := domain.PeerID(msg.From)
	pc, ok := peers.Get(from)
	if !ok {
		h.drop(DropUnknownPeer, protocol.EventICECandidate, msg.From, domain.ErrUnknownPeer)
		return
	}
	buffered, err := pc.addCandidate(msg.Candidate.ToPion())
	if err != nil {
		h.logger.Warnw("failed to add remote ice candidate", "peer_id", from, "error", err)
		return
	}
	if buffered {
		h.logger.Debugw("buffered ice candidate until remote description is set",
			"peer_id", from,
			"pending", pc.PendingCandidates(),
		)
	}
}
