package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/pkg/eventloop"
	apperrors "meetline/pkg/errors"
	"meetline/pkg/protocol"
	"meetline/pkg/tracing"

	"go.uber.org/zap"
)

// MeetingManager owns the active meeting of a session: create, join and leave
// through the relay, handing authoritative rosters to the roster manager.
type MeetingManager struct {
	mu      sync.RWMutex
	current *domain.MeetingSession

	// Pushes for a meeting whose join ack has not been applied yet.
	pending domain.MeetingID
	held    []func()

	roster *RosterManager
	loop   *eventloop.Loop
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewMeetingManager(roster *RosterManager, loop *eventloop.Loop, logger *zap.SugaredLogger) *MeetingManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MeetingManager{
		roster: roster,
		loop:   loop,
		now:    time.Now,
		logger: logger,
	}
}

// Current returns the active meeting.
func (m *MeetingManager) Current() (domain.MeetingSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return domain.MeetingSession{}, false
	}
	return *m.current, true
}

// MeetingID returns the active meeting id or "".
func (m *MeetingManager) MeetingID() domain.MeetingID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

// Create asks the relay for a new meeting and makes it the active one.
func (m *MeetingManager) Create(ctx context.Context, t ports.SignalingTransport, displayName string) (id domain.MeetingID, err error) {
	ctx, span := tracing.TraceMeeting(ctx, "create", "")
	defer func() { tracing.EndSpan(span, err) }()

	if _, active := m.Current(); active {
		return "", domain.ErrAlreadyInMeeting
	}
	if t == nil || !t.Connected() {
		return "", apperrors.NewTransportError(domain.ErrNotConnected, "cannot create meeting")
	}

	ack, err := t.Request(ctx, protocol.EventCreateMeeting, protocol.CreateMeetingRequest{DisplayName: displayName})
	if err != nil {
		m.logger.Warnw("create meeting failed", "error", err)
		return "", apperrors.NewTransportError(err, "create meeting")
	}
	if !ack.Success {
		return "", rejection(ack)
	}
	id = domain.MeetingID(ack.MeetingID)
	if err := protocol.ValidateMeetingCode(string(id)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	err = m.apply(ctx, func() {
		m.setCurrent(id, domain.RoleCreator)
		m.roster.Clear()
	})
	if err != nil {
		return "", err
	}

	m.logger.Infow("meeting created", "meeting_id", id, "peer_id", t.PeerID())
	return id, nil
}

// Join joins an existing meeting and synchronizes the roster with the relay's
// member list. The local side then initiates toward every member.
func (m *MeetingManager) Join(ctx context.Context, t ports.SignalingTransport, code string, displayName string) (err error) {
	id := domain.MeetingID(protocol.NormalizeMeetingCode(code))
	ctx, span := tracing.TraceMeeting(ctx, "join", string(id))
	defer func() { tracing.EndSpan(span, err) }()

	if err := protocol.ValidateMeetingCode(string(id)); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.CategoryProtocol, "invalid meeting code")
	}
	if _, active := m.Current(); active {
		return domain.ErrAlreadyInMeeting
	}
	if t == nil || !t.Connected() {
		return apperrors.NewTransportError(domain.ErrNotConnected, "cannot join meeting")
	}

	m.setPending(id)
	defer m.setPending("")

	ack, err := t.Request(ctx, protocol.EventJoinMeeting, protocol.JoinMeetingRequest{
		MeetingID:   string(id),
		DisplayName: displayName,
	})
	if err != nil {
		m.logger.Warnw("join meeting failed", "meeting_id", id, "error", err)
		return apperrors.NewTransportError(err, "join meeting")
	}
	if !ack.Success {
		m.logger.Warnw("join meeting rejected", "meeting_id", id, "reason", ack.Error)
		return rejection(ack)
	}

	members := participantsFromWire(ack.Participants)
	self := t.PeerID()
	err = m.apply(ctx, func() {
		m.setCurrent(id, domain.RoleJoiner)
		m.roster.Synchronize(members, self)
		for _, fn := range m.takeHeld() {
			fn()
		}
	})
	if err != nil {
		return err
	}

	m.logger.Infow("joined meeting",
		"meeting_id", id,
		"peer_id", self,
		"members", len(members),
	)
	return nil
}

// Leave announces departure if a meeting is active and always clears local
// meeting state and the roster, even when the announcement cannot be sent.
func (m *MeetingManager) Leave(ctx context.Context, t ports.SignalingTransport, endForAll bool) (err error) {
	session, active := m.Current()
	ctx, span := tracing.TraceMeeting(ctx, "leave", string(session.ID))
	defer func() { tracing.EndSpan(span, err) }()

	if active && t != nil && t.Connected() {
		payload := protocol.LeaveMeetingPayload{
			MeetingID: string(session.ID),
			EndForAll: endForAll && session.IsCreator(),
		}
		if err = t.Publish(ctx, protocol.EventLeaveMeeting, payload); err != nil {
			m.logger.Warnw("failed to announce leave", "meeting_id", session.ID, "error", err)
		}
	} else if active {
		m.logger.Warnw("leaving meeting without a connected transport", "meeting_id", session.ID)
	}

	m.Reset(ctx)

	if active {
		m.logger.Infow("left meeting", "meeting_id", session.ID, "end_for_all", endForAll)
	}
	if err != nil {
		return apperrors.NewTransportError(err, "announce leave")
	}
	return nil
}

// Reset clears the active meeting and the roster without talking to the relay.
func (m *MeetingManager) Reset(ctx context.Context) {
	if err := m.apply(ctx, m.Clear); err != nil {
		// The loop is gone or ctx expired; leave must still take effect locally.
		m.Clear()
	}
}

// Clear is Reset for callers already running on the event loop.
func (m *MeetingManager) Clear() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.roster.Clear()
}

// HandleEnded clears local state when the relay ends meetingID. It reports
// whether meetingID was the active meeting. Must run on the event loop.
func (m *MeetingManager) HandleEnded(meetingID domain.MeetingID) bool {
	m.mu.Lock()
	if m.current == nil || m.current.ID != meetingID {
		m.mu.Unlock()
		return false
	}
	m.current = nil
	m.mu.Unlock()

	m.roster.Clear()
	m.logger.Infow("meeting ended by relay", "meeting_id", meetingID)
	return true
}

// Hold queues fn when meetingID is the meeting being joined but not yet
// active, so notifications that overtake the join ack are not lost. Held
// work runs on the event loop right after the roster is synchronized.
func (m *MeetingManager) Hold(meetingID domain.MeetingID, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == "" || m.pending != meetingID || m.current != nil {
		return false
	}
	m.held = append(m.held, fn)
	return true
}

func (m *MeetingManager) setPending(id domain.MeetingID) {
	m.mu.Lock()
	m.pending = id
	m.held = nil
	m.mu.Unlock()
}

func (m *MeetingManager) takeHeld() []func() {
	m.mu.Lock()
	held := m.held
	m.pending, m.held = "", nil
	m.mu.Unlock()
	return held
}

func (m *MeetingManager) setCurrent(id domain.MeetingID, role domain.MeetingRole) {
	m.mu.Lock()
	m.current = &domain.MeetingSession{ID: id, Role: role, StartedAt: m.now()}
	m.mu.Unlock()
}

func (m *MeetingManager) apply(ctx context.Context, fn func()) error {
	if m.loop == nil {
		fn()
		return nil
	}
	return m.loop.Do(ctx, fn)
}

func rejection(ack *protocol.Ack) error {
	reason := ack.Error
	if reason == "" {
		reason = "no reason given"
	}
	if strings.Contains(reason, string(apperrors.ErrCodeMeetingNotFound)) {
		return fmt.Errorf("%w: %s", domain.ErrMeetingNotFound, reason)
	}
	return fmt.Errorf("%w: %s", domain.ErrMeetingRejected, reason)
}

func participantsFromWire(infos []protocol.ParticipantInfo) []domain.Participant {
	out := make([]domain.Participant, 0, len(infos))
	for _, info := range infos {
		out = append(out, participantFromWire(info))
	}
	return out
}

func participantFromWire(info protocol.ParticipantInfo) domain.Participant {
	return domain.Participant{
		PeerID:      domain.PeerID(info.PeerID),
		DisplayName: info.DisplayName,
		UserID:      domain.UserID(info.UserID),
	}
}

// IsRejection reports whether err is a relay refusal rather than a transport failure.
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrMeetingRejected) || errors.Is(err, domain.ErrMeetingNotFound)
}
