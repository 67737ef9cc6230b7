package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/internal/core/services"
	apperrors "meetline/pkg/errors"
	rlog "meetline/pkg/logger"
	"meetline/pkg/protocol"
	"meetline/pkg/tracing"
	"meetline/pkg/utils"
	"meetline/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	MeetingEndedByCreator = "ended"

	createMeetingAttempts = 5
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// Per-connection inbound message budget. Zero disables the limit.
	MessagesPerSecond float64
	Burst             int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    1 << 20,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// Relay is the reference signaling server. It tracks meeting membership and routes
// negotiation messages between members of the same meeting. It never carries media.
type Relay struct {
	repo    ports.MeetingRepository
	auth    services.AuthService
	metrics ports.RelayMetrics
	cfg     RelayConfig

	connections map[domain.PeerID]*relayConn
	mu          sync.RWMutex

	// membership serializes meeting changes so members see pushes in order.
	membership sync.Mutex

	logger *zap.SugaredLogger
	ctxLog *rlog.ContextLogger
}

type relayConn struct {
	id           domain.PeerID
	ws           *websocket.Conn
	limiter      *rate.Limiter
	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu          sync.Mutex
	displayName string
	userID      domain.UserID
	meetingID   domain.MeetingID
}

// NewRelay builds a relay. auth may be nil when tokens are not used.
func NewRelay(repo ports.MeetingRepository, auth services.AuthService, metrics ports.RelayMetrics, cfg RelayConfig, logger *zap.SugaredLogger) *Relay {
	defaults := DefaultRelayConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Relay{
		repo:        repo,
		auth:        auth,
		metrics:     metrics,
		cfg:         cfg,
		connections: make(map[domain.PeerID]*relayConn),
		logger:      logger,
		ctxLog:      rlog.NewContextLogger(logger.Desugar()),
	}
}

func (s *Relay) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	rc := &relayConn{
		id:           domain.PeerID(uuid.NewString()),
		ws:           ws,
		limiter:      s.newLimiter(),
		writeTimeout: s.cfg.WriteTimeout,
	}
	if s.auth != nil {
		if userID, err := s.auth.GetUserFromContext(r.Context()); err == nil {
			rc.userID = userID
		}
	}

	s.mu.Lock()
	s.connections[rc.id] = rc
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	defer s.disconnect(rc)

	// every message of this connection shares one trace id in the logs
	connCtx := rlog.WithTraceID(rlog.WithPeerID(context.Background(), string(rc.id)), utils.GenerateTraceID())
	s.ctxLog.Sugar(connCtx).Infow("peer connected", "remote_addr", r.RemoteAddr)

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	if err := rc.send(protocol.EventSetPeerID, 0, protocol.SetPeerIDPayload{PeerID: string(rc.id)}); err != nil {
		s.logger.Warnw("failed to assign peer id", "peer_id", rc.id, "error", err)
		return
	}

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			s.handleMessage(connCtx, rc, data)

		case <-pingTicker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.Infow("error sending ping", "peer_id", rc.id, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", rc.id, "error", err)
			}
			return
		}
	}
}

func (s *Relay) newLimiter() *rate.Limiter {
	if s.cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.Burst
	if burst <= 0 {
		burst = int(s.cfg.MessagesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
}

func (s *Relay) disconnect(rc *relayConn) {
	s.mu.Lock()
	delete(s.connections, rc.id)
	s.mu.Unlock()

	if err := s.leave(context.Background(), rc, false, false); err != nil {
		s.logger.Warnw("error removing peer from meeting", "peer_id", rc.id, "error", err)
	}
	s.metrics.ConnectionClosed()
	s.logger.Infow("peer disconnected", "peer_id", rc.id)
}

func (s *Relay) handleMessage(ctx context.Context, rc *relayConn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		s.logger.Warnw("malformed frame", "peer_id", rc.id, "frame", utils.TruncateString(string(data), 128), "error", err)
		s.sendError(rc, apperrors.NewInvalidInputError("malformed frame"))
		return
	}
	s.metrics.RecordMessage(metricEvent(env.Event))

	ctx, span := tracing.TraceRelayMessage(ctx, env.Event, string(rc.id))
	if !rc.limiter.Allow() {
		err = apperrors.NewRateLimitError()
		s.logger.Warnw("message rate exceeded", "peer_id", rc.id, "event", env.Event)
		s.reply(rc, env, nil, err)
		tracing.EndSpan(span, err)
		return
	}

	// Create and join acknowledge while membership is held, so the ack reaches
	// the requester before any push about later joiners.
	acked := false
	ack := func(a *protocol.Ack) {
		s.reply(rc, env, a, nil)
		acked = true
	}
	switch env.Event {
	case protocol.EventRegister:
		err = s.handleRegister(rc, env.Data)
	case protocol.EventCreateMeeting:
		err = s.handleCreateMeeting(ctx, rc, env.Data, ack)
	case protocol.EventJoinMeeting:
		err = s.handleJoinMeeting(ctx, rc, env.Data, ack)
	case protocol.EventLeaveMeeting:
		err = s.handleLeaveMeeting(ctx, rc, env.Data)
	case protocol.EventOffer, protocol.EventAnswer:
		err = s.forwardDescription(rc, env.Event, env.Data)
	case protocol.EventICECandidate:
		err = s.forwardCandidate(rc, env.Data)
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown event %q", env.Event))
	}

	if err != nil {
		s.ctxLog.Sugar(rlog.WithMeetingID(ctx, string(rc.meeting()))).Infow("error handling message from peer",
			"event", env.Event,
			"error", err,
		)
	}
	if !acked {
		s.reply(rc, env, nil, err)
	}
	tracing.EndSpan(span, err)
}

// reply acknowledges requests and reports failures of other events as error frames.
func (s *Relay) reply(rc *relayConn, env protocol.Envelope, ack *protocol.Ack, err error) {
	if protocol.IsRequest(env.Event) && env.AckID != 0 {
		if err != nil {
			ack = &protocol.Ack{Success: false, Error: err.Error()}
		}
		if sendErr := rc.send(protocol.EventAck, env.AckID, ack); sendErr != nil {
			s.logger.Infow("error sending ack", "peer_id", rc.id, "error", sendErr)
		}
		return
	}
	if err != nil {
		s.sendError(rc, err)
	}
}

func (s *Relay) handleRegister(rc *relayConn, data json.RawMessage) error {
	p, err := protocol.Decode[protocol.RegisterPayload](data)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if !rc.adoptName(p.DisplayName) {
		return apperrors.NewInvalidInputError("invalid display name")
	}
	if p.UserID != "" {
		if err := validation.ValidateUserID(p.UserID); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		rc.mu.Lock()
		if rc.userID == "" {
			rc.userID = domain.UserID(p.UserID)
		}
		rc.mu.Unlock()
	}
	return nil
}

func (s *Relay) handleCreateMeeting(ctx context.Context, rc *relayConn, data json.RawMessage, ack func(*protocol.Ack)) error {
	req, err := protocol.Decode[protocol.CreateMeetingRequest](data)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	rc.adoptName(req.DisplayName)

	s.membership.Lock()
	defer s.membership.Unlock()

	if rc.meeting() != "" {
		return apperrors.NewAppError(apperrors.ErrCodeAlreadyInMeeting, apperrors.CategoryProtocol, "already in a meeting")
	}

	for attempt := 0; attempt < createMeetingAttempts; attempt++ {
		code, err := utils.GenerateMeetingCode(protocol.MeetingCodeLength)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInternal, apperrors.CategoryInternal, "generate meeting code")
		}
		meeting := &domain.RelayMeeting{
			ID:        domain.MeetingID(code),
			CreatorID: rc.id,
			Members:   []domain.Participant{rc.member()},
			CreatedAt: time.Now(),
		}
		err = s.repo.Create(ctx, meeting)
		if errors.Is(err, domain.ErrMeetingExists) {
			continue
		}
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeUnavailable, apperrors.CategoryInternal, "store meeting")
		}

		rc.setMeeting(meeting.ID)
		s.updateMeetingGauge(ctx)
		s.logger.Infow("meeting created", "meeting_id", meeting.ID, "peer_id", rc.id)
		ack(&protocol.Ack{Success: true, MeetingID: code, Participants: toWire(meeting.Members)})
		return nil
	}
	return apperrors.NewInternalError("could not allocate a unique meeting code")
}

func (s *Relay) handleJoinMeeting(ctx context.Context, rc *relayConn, data json.RawMessage, ack func(*protocol.Ack)) error {
	req, err := protocol.Decode[protocol.JoinMeetingRequest](data)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	rc.adoptName(req.DisplayName)

	s.membership.Lock()
	defer s.membership.Unlock()

	if rc.meeting() != "" {
		return apperrors.NewAppError(apperrors.ErrCodeAlreadyInMeeting, apperrors.CategoryProtocol, "already in a meeting")
	}

	self := rc.member()
	meeting, err := s.repo.AddMember(ctx, domain.MeetingID(req.MeetingID), self)
	if errors.Is(err, domain.ErrMeetingNotFound) {
		return apperrors.NewMeetingNotFoundError(req.MeetingID)
	}
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeUnavailable, apperrors.CategoryInternal, "update meeting")
	}
	rc.setMeeting(meeting.ID)
	ack(&protocol.Ack{Success: true, MeetingID: string(meeting.ID), Participants: toWire(meeting.Members)})

	joined := protocol.UserJoinedPayload{MeetingID: string(meeting.ID), Participant: participantToWire(self)}
	for _, m := range meeting.Members {
		if m.PeerID != rc.id {
			s.sendTo(m.PeerID, protocol.EventUserJoined, joined)
		}
	}

	s.logger.Infow("peer joined meeting", "meeting_id", meeting.ID, "peer_id", rc.id, "members", len(meeting.Members))
	return nil
}

func (s *Relay) handleLeaveMeeting(ctx context.Context, rc *relayConn, data json.RawMessage) error {
	p, err := protocol.Decode[protocol.LeaveMeetingPayload](data)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if domain.MeetingID(p.MeetingID) != rc.meeting() {
		return apperrors.NewAppError(apperrors.ErrCodeNotInMeeting, apperrors.CategoryProtocol, "not in meeting "+p.MeetingID)
	}
	return s.leave(ctx, rc, p.EndForAll, true)
}

// leave removes rc from its meeting. A meeting emptied by an explicit leave is
// deleted; one emptied by a dropped connection is kept for the repository's TTL.
func (s *Relay) leave(ctx context.Context, rc *relayConn, endForAll, explicit bool) error {
	s.membership.Lock()
	defer s.membership.Unlock()

	id := rc.meeting()
	if id == "" {
		return nil
	}
	rc.setMeeting("")

	meeting, err := s.repo.Get(ctx, id)
	if errors.Is(err, domain.ErrMeetingNotFound) {
		return nil
	}
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeUnavailable, apperrors.CategoryInternal, "load meeting")
	}

	if endForAll {
		if meeting.CreatorID == rc.id {
			return s.endMeeting(ctx, meeting, rc.id)
		}
		s.logger.Warnw("end for all requested by non-creator, leaving instead", "meeting_id", id, "peer_id", rc.id)
	}

	meeting, err = s.repo.RemoveMember(ctx, id, rc.id)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeUnavailable, apperrors.CategoryInternal, "update meeting")
	}
	defer s.updateMeetingGauge(ctx)

	if len(meeting.Members) == 0 {
		if explicit {
			if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrMeetingNotFound) {
				return apperrors.WrapError(err, apperrors.ErrCodeUnavailable, apperrors.CategoryInternal, "delete meeting")
			}
		}
		s.logger.Infow("meeting empty", "meeting_id", id, "deleted", explicit)
		return nil
	}

	left := protocol.UserLeftPayload{MeetingID: string(id), PeerID: string(rc.id)}
	roster := protocol.RosterChangedPayload{MeetingID: string(id), Participants: toWire(meeting.Members)}
	for _, m := range meeting.Members {
		s.sendTo(m.PeerID, protocol.EventUserLeft, left)
		s.sendTo(m.PeerID, protocol.EventRosterChanged, roster)
	}
	s.logger.Infow("peer left meeting", "meeting_id", id, "peer_id", rc.id, "explicit", explicit)
	return nil
}

func (s *Relay) endMeeting(ctx context.Context, meeting *domain.RelayMeeting, by domain.PeerID) error {
	if err := s.repo.Delete(ctx, meeting.ID); err != nil && !errors.Is(err, domain.ErrMeetingNotFound) {
		return apperrors.WrapError(err, apperrors.ErrCodeUnavailable, apperrors.CategoryInternal, "delete meeting")
	}
	s.updateMeetingGauge(ctx)

	ended := protocol.MeetingEndedPayload{MeetingID: string(meeting.ID), Reason: MeetingEndedByCreator}
	for _, m := range meeting.Members {
		if m.PeerID == by {
			continue
		}
		if conn := s.connection(m.PeerID); conn != nil {
			conn.clearMeeting(meeting.ID)
		}
		s.sendTo(m.PeerID, protocol.EventMeetingEnded, ended)
	}
	s.logger.Infow("meeting ended", "meeting_id", meeting.ID, "peer_id", by)
	return nil
}

func (s *Relay) forwardDescription(rc *relayConn, event string, data json.RawMessage) error {
	p, err := protocol.Decode[protocol.SessionDescriptionPayload](data)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	target, meetingID, err := s.route(rc, domain.PeerID(p.To))
	if err != nil {
		return err
	}
	p.From = string(rc.id)
	p.MeetingID = string(meetingID)
	return target.send(event, 0, p)
}

func (s *Relay) forwardCandidate(rc *relayConn, data json.RawMessage) error {
	p, err := protocol.Decode[protocol.ICECandidatePayload](data)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	target, meetingID, err := s.route(rc, domain.PeerID(p.To))
	if err != nil {
		return err
	}
	p.From = string(rc.id)
	p.MeetingID = string(meetingID)
	return target.send(protocol.EventICECandidate, 0, p)
}

// route resolves the recipient of a negotiation message. Both sides must be in the
// same meeting.
func (s *Relay) route(rc *relayConn, to domain.PeerID) (*relayConn, domain.MeetingID, error) {
	meetingID := rc.meeting()
	if meetingID == "" {
		return nil, "", apperrors.NewAppError(apperrors.ErrCodeNotInMeeting, apperrors.CategoryProtocol, "not in a meeting")
	}
	target := s.connection(to)
	if target == nil || target.meeting() != meetingID {
		return nil, "", apperrors.NewAppError(apperrors.ErrCodeNotInMeeting, apperrors.CategoryProtocol,
			fmt.Sprintf("peer %s is not in meeting %s", to, meetingID))
	}
	return target, meetingID, nil
}

func (s *Relay) connection(id domain.PeerID) *relayConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[id]
}

func (s *Relay) sendTo(id domain.PeerID, event string, payload any) {
	conn := s.connection(id)
	if conn == nil {
		s.logger.Debugw("peer not connected", "peer_id", id, "event", event)
		return
	}
	if err := conn.send(event, 0, payload); err != nil {
		s.logger.Infow("failed to send to peer", "peer_id", id, "event", event, "error", err)
	}
}

func (s *Relay) sendError(rc *relayConn, err error) {
	payload := protocol.ErrorPayload{Code: string(apperrors.ErrCodeInternal), Message: err.Error()}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		payload.Code = string(appErr.Code)
		payload.Message = appErr.Message
	}
	if sendErr := rc.send(protocol.EventError, 0, payload); sendErr != nil {
		s.logger.Debugw("failed to send error frame", "peer_id", rc.id, "error", sendErr)
	}
}

func (s *Relay) updateMeetingGauge(ctx context.Context) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		s.logger.Debugw("failed to count meetings", "error", err)
		return
	}
	s.metrics.SetMeetings(n)
}

func (s *Relay) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}
	if n, err := s.repo.Count(r.Context()); err == nil {
		response["meetings"] = n
	} else {
		response["status"] = "degraded"
		response["error"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Relay) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown closes every connected peer with a going-away frame.
func (s *Relay) Shutdown() {
	s.mu.RLock()
	conns := make([]*relayConn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		c.ws.Close()
	}
}

func (c *relayConn) send(event string, ackID uint64, payload any) error {
	env, err := protocol.Encode(event, ackID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// adoptName sets the display name if it is valid after sanitizing.
func (c *relayConn) adoptName(name string) bool {
	name = utils.SanitizeString(name)
	if validation.ValidateDisplayName(name) != nil {
		return false
	}
	c.mu.Lock()
	c.displayName = name
	c.mu.Unlock()
	return true
}

func (c *relayConn) member() domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Participant{
		PeerID:      c.id,
		DisplayName: c.displayName,
		UserID:      c.userID,
		JoinedAt:    time.Now(),
	}
}

func (c *relayConn) meeting() domain.MeetingID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meetingID
}

func (c *relayConn) setMeeting(id domain.MeetingID) {
	c.mu.Lock()
	c.meetingID = id
	c.mu.Unlock()
}

func (c *relayConn) clearMeeting(id domain.MeetingID) {
	c.mu.Lock()
	if c.meetingID == id {
		c.meetingID = ""
	}
	c.mu.Unlock()
}

func participantToWire(p domain.Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		PeerID:      string(p.PeerID),
		DisplayName: p.DisplayName,
		UserID:      string(p.UserID),
	}
}

func toWire(members []domain.Participant) []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(members))
	for _, m := range members {
		out = append(out, participantToWire(m))
	}
	return out
}

// metricEvent bounds the label set to events the relay understands.
func metricEvent(event string) string {
	switch event {
	case protocol.EventRegister, protocol.EventCreateMeeting, protocol.EventJoinMeeting,
		protocol.EventLeaveMeeting, protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		return event
	}
	return "unknown"
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) ConnectionOpened()    {}
func (nopRelayMetrics) ConnectionClosed()    {}
func (nopRelayMetrics) SetMeetings(int)      {}
func (nopRelayMetrics) RecordMessage(string) {}
