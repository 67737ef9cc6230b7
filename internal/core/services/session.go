package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/pkg/eventloop"
	apperrors "meetline/pkg/errors"
	"meetline/pkg/protocol"
	"meetline/pkg/retry"
	"meetline/pkg/tracing"
	"meetline/pkg/utils"
	"meetline/pkg/validation"

	"go.uber.org/zap"
)

const (
	EndReasonLeft          = "left"
	EndReasonEnded         = "ended"
	EndReasonRelayLost     = "relay_unreachable"
	EndReasonRejoinFailed  = "rejoin_failed"
	defaultEventQueueSize  = 512
	defaultShutdownTimeout = 5 * time.Second
)

type SessionConfig struct {
	Endpoints    []string
	Media        ports.MediaConstraints
	RestartGrace time.Duration

	ReconnectEnabled bool
	Reconnect        retry.Config

	EventQueueSize int
}

// Session is the single object the presentation layer talks to. It owns
// local media and the relay transport and composes the roster, meeting,
// signaling and peer managers around one event loop.
type Session struct {
	cfg      SessionConfig
	dialer   ports.TransportDialer
	media    ports.MediaProvider
	identity ports.IdentityProvider
	observer ports.SessionObserver
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger

	loop      *eventloop.Loop
	roster    *RosterManager
	meetings  *MeetingManager
	signaling *SignalingHandler
	peers     *PeerManager

	mu           sync.RWMutex
	transport    ports.SignalingTransport
	pushUnsubs   []func()
	local        ports.LocalMedia
	self         domain.Identity
	started      bool
	closed       bool
	reconnecting bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(
	cfg SessionConfig,
	dialer ports.TransportDialer,
	factory ports.ConnectionFactory,
	media ports.MediaProvider,
	identity ports.IdentityProvider,
	observer ports.SessionObserver,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		dialer:   dialer,
		media:    media,
		identity: identity,
		observer: observer,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.loop = eventloop.New(cfg.EventQueueSize, logger.Named("loop"))
	s.roster = NewRosterManager(logger.Named("roster"))
	s.meetings = NewMeetingManager(s.roster, s.loop, logger.Named("meeting"))
	s.signaling = NewSignalingHandler(s.meetings.MeetingID, s.loop, metrics, logger.Named("signaling"))
	s.peers = NewPeerManager(
		PeerManagerConfig{RestartGrace: cfg.RestartGrace},
		factory,
		s.signaling,
		s.roster,
		s.loop,
		metrics,
		logger.Named("peers"),
	)
	s.signaling.SetPeers(s.peers)
	s.signaling.SetHold(s.meetings.Hold)

	s.roster.OnConnectionRequested(func(req ConnectionRequest) {
		if _, err := s.peers.Create(req.Participant, req.IsInitiator); err != nil {
			s.logger.Errorw("failed to create peer connection",
				"peer_id", req.Participant.PeerID,
				"initiator", req.IsInitiator,
				"error", err,
			)
		}
	})
	s.roster.OnRosterChanged(func(list []domain.Participant) {
		s.peers.Prune(list)
		s.notify()
	})
	s.peers.OnRemoteMediaChanged(func(map[domain.PeerID][]ports.RemoteStream) {
		s.notify()
	})

	return s
}

// Start acquires local media, connects to the relay and registers the local
// identity. Local media is acquired first so that connections created for
// existing members always carry local tracks.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return eventloop.ErrStopped
	}
	s.mu.Unlock()

	id, err := s.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	id.DisplayName = utils.SanitizeString(id.DisplayName)
	if err := validation.ValidateDisplayName(id.DisplayName); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.CategoryProtocol, "invalid display name")
	}

	local, err := s.media.Acquire(ctx, s.cfg.Media)
	if err != nil {
		appErr := apperrors.NewResourceError(err, "local media unavailable")
		s.observer.OnFatalError(appErr)
		return appErr
	}
	s.peers.SetLocalMedia(local)

	s.loop.Start(s.ctx)

	t, err := s.dialer.Connect(ctx, s.cfg.Endpoints, id)
	if err != nil {
		s.peers.SetLocalMedia(nil)
		if closeErr := local.Close(); closeErr != nil {
			s.logger.Warnw("failed to release local media", "error", closeErr)
		}
		return apperrors.NewTransportError(err, "connect to relay")
	}

	s.mu.Lock()
	s.local = local
	s.self = id
	s.started = true
	s.mu.Unlock()

	s.attach(t)
	s.logger.Infow("session started",
		"peer_id", t.PeerID(),
		"endpoint", t.Endpoint(),
		"display_name", id.DisplayName,
	)
	s.loop.Post(s.notify)
	return nil
}

func (s *Session) attach(t ports.SignalingTransport) {
	s.signaling.Attach(t)

	unsubs := []func(){
		t.Subscribe(protocol.EventUserJoined, s.onLoop(s.onUserJoined)),
		t.Subscribe(protocol.EventUserLeft, s.onLoop(s.onUserLeft)),
		t.Subscribe(protocol.EventMeetingEnded, s.onLoop(s.onMeetingEnded)),
		t.Subscribe(protocol.EventRosterChanged, s.onLoop(s.onRosterChanged)),
	}
	t.OnDisconnect(func(err error) {
		s.loop.Post(func() { s.handleDisconnect(t, err) })
	})

	s.mu.Lock()
	old := s.pushUnsubs
	s.transport = t
	s.pushUnsubs = unsubs
	s.mu.Unlock()

	for _, unsub := range old {
		unsub()
	}
}

func (s *Session) onLoop(fn func(json.RawMessage)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		s.loop.Post(func() { fn(data) })
	}
}

func (s *Session) currentTransport() (ports.SignalingTransport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || s.transport == nil {
		return nil, domain.ErrSessionNotStarted
	}
	return s.transport, nil
}

func (s *Session) selfPeerID() domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transport == nil {
		return ""
	}
	return s.transport.PeerID()
}

// CreateMeeting creates a meeting on the relay and makes it active.
func (s *Session) CreateMeeting(ctx context.Context) (domain.MeetingID, error) {
	t, err := s.currentTransport()
	if err != nil {
		return "", err
	}
	id, err := s.meetings.Create(ctx, t, s.displayName())
	if err != nil {
		return "", err
	}
	s.loop.Post(func() {
		s.observer.OnMeetingCreated(id)
		s.notify()
	})
	return id, nil
}

// JoinMeeting joins the meeting identified by code.
func (s *Session) JoinMeeting(ctx context.Context, code string) error {
	t, err := s.currentTransport()
	if err != nil {
		return err
	}
	if err := s.meetings.Join(ctx, t, code, s.displayName()); err != nil {
		return err
	}
	s.loop.Post(s.notify)
	return nil
}

// LeaveMeeting leaves the active meeting. Local state is always cleared.
func (s *Session) LeaveMeeting(ctx context.Context) error {
	return s.leave(ctx, false)
}

// EndMeeting ends the active meeting for every member. Only the creator may end it.
func (s *Session) EndMeeting(ctx context.Context) error {
	session, ok := s.meetings.Current()
	if !ok {
		return domain.ErrNoActiveMeeting
	}
	if !session.IsCreator() {
		return apperrors.NewUnauthorizedError("only the meeting creator can end it for everyone")
	}
	return s.leave(ctx, true)
}

func (s *Session) leave(ctx context.Context, endForAll bool) error {
	_, active := s.meetings.Current()
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()

	err := s.meetings.Leave(ctx, t, endForAll)
	s.closePeers(ctx)

	if active {
		reason := EndReasonLeft
		if endForAll {
			reason = EndReasonEnded
		}
		s.loop.Post(func() {
			s.observer.OnCallEnded(reason)
			s.notify()
		})
	}
	return err
}

func (s *Session) closePeers(ctx context.Context) {
	if err := s.loop.Do(ctx, s.peers.CloseAll); err != nil {
		s.peers.CloseAll()
	}
}

// ToggleMute flips the outgoing audio state and returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	local := s.LocalMedia()
	if local == nil {
		return false, domain.ErrNoLocalMedia
	}
	muted := !local.Muted()
	local.SetMuted(muted)
	s.logger.Infow("local audio toggled", "muted", muted)
	s.loop.Post(s.notify)
	return muted, nil
}

// SwitchCamera toggles between front and back camera.
func (s *Session) SwitchCamera() (ports.CameraFacing, error) {
	local := s.LocalMedia()
	if local == nil {
		return "", domain.ErrNoLocalMedia
	}
	facing, err := local.SwitchCamera()
	if err != nil {
		return "", apperrors.NewResourceError(err, "switch camera")
	}
	s.logger.Infow("camera switched", "facing", facing)
	s.loop.Post(s.notify)
	return facing, nil
}

// RefreshParticipant force-recreates the connection toward peerID.
func (s *Session) RefreshParticipant(ctx context.Context, peerID domain.PeerID) error {
	if !s.roster.Contains(peerID) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, peerID)
	}
	var refreshErr error
	if err := s.loop.Do(ctx, func() {
		_, refreshErr = s.peers.Refresh(peerID)
	}); err != nil {
		return err
	}
	return refreshErr
}

// Close leaves any active meeting and releases every resource. The session
// cannot be restarted.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		s.loop.Stop()
		s.cancel()
		return nil
	}

	if _, ok := s.meetings.Current(); ok {
		if err := s.leave(ctx, false); err != nil {
			s.logger.Warnw("leave during close failed", "error", err)
		}
	} else {
		s.closePeers(ctx)
	}

	flushCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	_ = s.loop.Flush(flushCtx)
	cancel()

	s.signaling.Detach()
	s.mu.Lock()
	t, local, unsubs := s.transport, s.local, s.pushUnsubs
	s.transport, s.local, s.pushUnsubs = nil, nil, nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	var firstErr error
	if t != nil {
		if err := t.Close(); err != nil {
			firstErr = err
		}
	}
	if local != nil {
		if err := local.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.loop.Stop()
	s.cancel()
	s.logger.Infow("session closed")
	return firstErr
}

// State returns what the presentation layer renders.
func (s *Session) State() ports.SessionState {
	meeting, _ := s.meetings.Current()
	s.mu.RLock()
	local := s.local
	connected := s.transport != nil && s.transport.Connected()
	s.mu.RUnlock()

	return ports.SessionState{
		MeetingID:          meeting.ID,
		Role:               meeting.Role,
		Roster:             s.roster.Participants(),
		LocalMedia:         local,
		RemoteMedia:        s.peers.RemoteMedia(),
		TransportConnected: connected,
	}
}

func (s *Session) Roster() []domain.Participant {
	return s.roster.Participants()
}

func (s *Session) MeetingID() domain.MeetingID {
	return s.meetings.MeetingID()
}

func (s *Session) RemoteMedia() map[domain.PeerID][]ports.RemoteStream {
	return s.peers.RemoteMedia()
}

func (s *Session) LocalMedia() ports.LocalMedia {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

func (s *Session) PeerID() domain.PeerID {
	return s.selfPeerID()
}

func (s *Session) displayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self.DisplayName
}

func (s *Session) notify() {
	s.observer.OnStateChanged(s.State())
}

// inMeeting checks that a push notification belongs to the active meeting.
// Notifications for a meeting still being joined are held and replayed.
func (s *Session) inMeeting(event, meetingID string, replay func()) bool {
	if current := s.meetings.MeetingID(); current != "" && string(current) == meetingID {
		return true
	}
	if replay != nil && s.meetings.Hold(domain.MeetingID(meetingID), replay) {
		s.logger.Debugw("holding notification until join completes", "event", event, "meeting_id", meetingID)
		return false
	}
	s.metrics.RecordSignalingDropped(DropForeignMeeting)
	s.logger.Warnw("dropping notification for inactive meeting",
		"event", event,
		"meeting_id", meetingID,
		"error", domain.ErrForeignMeeting,
	)
	return false
}

func (s *Session) malformed(event string, err error) {
	s.metrics.RecordSignalingDropped(DropMalformed)
	s.logger.Warnw("dropping malformed notification",
		"event", event,
		"error", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err),
	)
}

func (s *Session) onUserJoined(data json.RawMessage) {
	msg, err := protocol.Decode[protocol.UserJoinedPayload](data)
	if err != nil {
		s.malformed(protocol.EventUserJoined, err)
		return
	}
	if !s.inMeeting(protocol.EventUserJoined, msg.MeetingID, func() { s.onUserJoined(data) }) {
		return
	}
	p := participantFromWire(msg.Participant)
	s.logger.Infow("participant joined", "peer_id", p.PeerID, "display_name", p.DisplayName)
	s.roster.HandleJoined(p, s.selfPeerID())
}

func (s *Session) onUserLeft(data json.RawMessage) {
	msg, err := protocol.Decode[protocol.UserLeftPayload](data)
	if err != nil {
		s.malformed(protocol.EventUserLeft, err)
		return
	}
	if !s.inMeeting(protocol.EventUserLeft, msg.MeetingID, func() { s.onUserLeft(data) }) {
		return
	}
	peerID := domain.PeerID(msg.PeerID)
	s.logger.Infow("participant left", "peer_id", peerID)
	if !s.roster.Remove(peerID) {
		// Not listed, but a connection may still exist.
		s.peers.ClosePeerConnection(peerID)
	}
}

func (s *Session) onRosterChanged(data json.RawMessage) {
	msg, err := protocol.Decode[protocol.RosterChangedPayload](data)
	if err != nil {
		s.malformed(protocol.EventRosterChanged, err)
		return
	}
	if !s.inMeeting(protocol.EventRosterChanged, msg.MeetingID, func() { s.onRosterChanged(data) }) {
		return
	}
	s.roster.Reconcile(participantsFromWire(msg.Participants), s.selfPeerID())
}

func (s *Session) onMeetingEnded(data json.RawMessage) {
	msg, err := protocol.Decode[protocol.MeetingEndedPayload](data)
	if err != nil {
		s.malformed(protocol.EventMeetingEnded, err)
		return
	}
	if !s.meetings.HandleEnded(domain.MeetingID(msg.MeetingID)) {
		s.inMeeting(protocol.EventMeetingEnded, msg.MeetingID, func() { s.onMeetingEnded(data) })
		return
	}
	s.peers.CloseAll()

	reason := msg.Reason
	if reason == "" {
		reason = EndReasonEnded
	}
	s.observer.OnCallEnded(reason)
	s.notify()
}

// handleDisconnect runs on the loop when t drops. Peer connections are left
// alone; media may keep flowing while the relay is away.
func (s *Session) handleDisconnect(t ports.SignalingTransport, err error) {
	s.mu.Lock()
	if s.transport != t || s.closed {
		s.mu.Unlock()
		return
	}
	start := s.cfg.ReconnectEnabled && !s.reconnecting
	if start {
		s.reconnecting = true
	}
	s.mu.Unlock()

	s.logger.Warnw("relay connection lost",
		"endpoint", t.Endpoint(),
		"peer_id", t.PeerID(),
		"error", err,
	)
	s.notify()

	if !start {
		if !s.cfg.ReconnectEnabled {
			s.observer.OnFatalError(apperrors.NewTransportError(err, "relay connection lost"))
		}
		return
	}
	go s.reconnect()
}

// reconnect dials the endpoint list again. The relay hands out a new peer id,
// so an active meeting is re-joined from scratch.
func (s *Session) reconnect() {
	meeting, inMeeting := s.meetings.Current()
	s.mu.RLock()
	id := s.self
	s.mu.RUnlock()

	cfg := s.cfg.Reconnect
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Warnw("relay reconnect attempt failed",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
	}

	ctx, span := tracing.TraceSignal(s.ctx, "reconnect")
	t, err := retry.RetryWithResult(ctx, cfg, func(ctx context.Context) (ports.SignalingTransport, error) {
		return s.dialer.Connect(ctx, s.cfg.Endpoints, id)
	})
	tracing.EndSpan(span, err)

	if err != nil {
		s.loop.Post(func() {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
			if inMeeting {
				s.peers.CloseAll()
				s.meetings.Clear()
				s.observer.OnCallEnded(EndReasonRelayLost)
			}
			s.observer.OnFatalError(apperrors.NewTransportError(err, "relay reconnect failed"))
			s.notify()
		})
		return
	}

	err = s.loop.Do(s.ctx, func() {
		s.mu.Lock()
		s.reconnecting = false
		closed := s.closed
		old := s.transport
		s.mu.Unlock()
		if closed {
			_ = t.Close()
			return
		}
		if old != nil {
			_ = old.Close()
		}
		s.attach(t)
		if inMeeting {
			s.peers.CloseAll()
			s.meetings.Clear()
		}
		s.logger.Infow("relay connection restored", "peer_id", t.PeerID(), "endpoint", t.Endpoint())
		s.notify()
	})
	if err != nil || !inMeeting {
		return
	}

	if err := s.meetings.Join(s.ctx, t, string(meeting.ID), id.DisplayName); err != nil {
		s.logger.Errorw("failed to rejoin meeting after reconnect", "meeting_id", meeting.ID, "error", err)
		s.loop.Post(func() {
			s.observer.OnCallEnded(EndReasonRejoinFailed)
			s.notify()
		})
		return
	}
	s.loop.Post(s.notify)
}

// NopObserver ignores session notifications.
type NopObserver struct{}

func (NopObserver) OnStateChanged(ports.SessionState) {}
func (NopObserver) OnMeetingCreated(domain.MeetingID) {}
func (NopObserver) OnCallEnded(string)                {}
func (NopObserver) OnFatalError(error)                {}

// StaticIdentity is an IdentityProvider with a fixed identity.
type StaticIdentity domain.Identity

func (s StaticIdentity) Identity(context.Context) (domain.Identity, error) {
	return domain.Identity(s), nil
}
