package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/pkg/eventloop"
	"meetline/pkg/protocol"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

const testMeetingID = domain.MeetingID("ABC123")

func sdpWithFingerprint(fp string) string {
	return "v=0\r\n" +
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=fingerprint:" + fp + "\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"
}

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(64, nil)
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func flush(t *testing.T, l *eventloop.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Flush(ctx))
}

func onLoop(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Do(ctx, fn))
}

// fakeConn is an in-memory MediaConnection with a simplified signaling state machine.
type fakeConn struct {
	mu          sync.Mutex
	fingerprint string
	signaling   webrtc.SignalingState
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	connState   webrtc.PeerConnectionState
	iceState    webrtc.ICEConnectionState
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	rtcp        []rtcp.Packet
	iceRestarts int
	closed      bool

	onConnState func(webrtc.PeerConnectionState)
	onICEState  func(webrtc.ICEConnectionState)
	onCandidate func(*webrtc.ICECandidate)
}

func newFakeConn(fingerprint string) *fakeConn {
	return &fakeConn{
		fingerprint: fingerprint,
		signaling:   webrtc.SignalingStateStable,
		connState:   webrtc.PeerConnectionStateNew,
		iceState:    webrtc.ICEConnectionStateNew,
	}
}

func (c *fakeConn) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, webrtc.ErrConnectionClosed
	}
	if opts != nil && opts.ICERestart {
		c.iceRestarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWithFingerprint(c.fingerprint)}, nil
}

func (c *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in state %s", c.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpWithFingerprint(c.fingerprint)}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		c.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		c.signaling = webrtc.SignalingStateStable
		return nil
	}
	c.local = &desc
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("answer in state %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateStable
	}
	c.remote = &desc
	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("no remote description")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return nil, nil
}

func (c *fakeConn) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (c *fakeConn) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onConnState = f
	c.mu.Unlock()
}

func (c *fakeConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICEState = f
	c.mu.Unlock()
}

func (c *fakeConn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

func (c *fakeConn) ICEConnectionState() webrtc.ICEConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceState
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *fakeConn) WriteRTCP(pkts []rtcp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtcp = append(c.rtcp, pkts...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connState = webrtc.PeerConnectionStateClosed
	return nil
}

// setConnectionState changes the state and fires the registered callback.
func (c *fakeConn) setConnectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.connState = s
	cb := c.onConnState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *fakeConn) setICEState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	c.iceState = s
	cb := c.onICEState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) remoteCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *fakeConn) restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceRestarts
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (f *fakeFactory) NewConnection() (ports.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn(fmt.Sprintf("sha-256 %02X:%02X", len(f.conns)+1, len(f.conns)+1))
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type sentDescription struct {
	to  domain.PeerID
	sdp webrtc.SessionDescription
}

type fakeSignaler struct {
	mu         sync.Mutex
	offers     []sentDescription
	answers    []sentDescription
	candidates []domain.PeerID
	err        error
}

func (s *fakeSignaler) SendOffer(_ context.Context, offer webrtc.SessionDescription, to domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, sentDescription{to: to, sdp: offer})
	return s.err
}

func (s *fakeSignaler) SendAnswer(_ context.Context, answer webrtc.SessionDescription, to domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sentDescription{to: to, sdp: answer})
	return s.err
}

func (s *fakeSignaler) SendICECandidate(_ context.Context, _ webrtc.ICECandidateInit, to domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, to)
	return s.err
}

func (s *fakeSignaler) offerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

type published struct {
	event   string
	payload any
}

// fakeTransport is an in-memory SignalingTransport. respond answers Request.
type fakeTransport struct {
	peerID    domain.PeerID
	endpoint  string
	connected atomic.Bool

	mu         sync.Mutex
	published  []published
	requests   []published
	respond    func(event string, payload any) (*protocol.Ack, error)
	handlers   map[string][]func(json.RawMessage)
	disconnect func(error)
	closed     bool
}

func newFakeTransport(peerID domain.PeerID) *fakeTransport {
	t := &fakeTransport{
		peerID:   peerID,
		endpoint: "ws://relay.test/ws",
		handlers: make(map[string][]func(json.RawMessage)),
	}
	t.connected.Store(true)
	return t
}

func (t *fakeTransport) PeerID() domain.PeerID { return t.peerID }
func (t *fakeTransport) Endpoint() string      { return t.endpoint }
func (t *fakeTransport) Connected() bool       { return t.connected.Load() }

func (t *fakeTransport) Publish(_ context.Context, event string, payload any) error {
	if !t.Connected() {
		return domain.ErrNotConnected
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, published{event: event, payload: payload})
	return nil
}

func (t *fakeTransport) Request(_ context.Context, event string, payload any) (*protocol.Ack, error) {
	if !t.Connected() {
		return nil, domain.ErrNotConnected
	}
	t.mu.Lock()
	t.requests = append(t.requests, published{event: event, payload: payload})
	respond := t.respond
	t.mu.Unlock()
	if respond == nil {
		return &protocol.Ack{Success: true}, nil
	}
	return respond(event, payload)
}

func (t *fakeTransport) Subscribe(event string, handler func(json.RawMessage)) func() {
	t.mu.Lock()
	t.handlers[event] = append(t.handlers[event], handler)
	idx := len(t.handlers[event]) - 1
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.handlers[event][idx] = nil
		t.mu.Unlock()
	}
}

func (t *fakeTransport) OnDisconnect(handler func(error)) {
	t.mu.Lock()
	t.disconnect = handler
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.connected.Store(false)
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// push delivers an inbound event to subscribers.
func (t *fakeTransport) push(tb testing.TB, event string, payload any) {
	tb.Helper()
	data, err := json.Marshal(payload)
	require.NoError(tb, err)
	t.pushRaw(event, data)
}

func (t *fakeTransport) pushRaw(event string, data json.RawMessage) {
	t.mu.Lock()
	handlers := append([]func(json.RawMessage){}, t.handlers[event]...)
	t.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(data)
		}
	}
}

// drop simulates the connection dropping.
func (t *fakeTransport) drop(err error) {
	t.connected.Store(false)
	t.mu.Lock()
	handler := t.disconnect
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (t *fakeTransport) publishedEvents(event string) []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []any
	for _, p := range t.published {
		if p.event == event {
			out = append(out, p.payload)
		}
	}
	return out
}

func (t *fakeTransport) requestedEvents(event string) []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []any
	for _, p := range t.requests {
		if p.event == event {
			out = append(out, p.payload)
		}
	}
	return out
}

func (t *fakeTransport) setRespond(fn func(event string, payload any) (*protocol.Ack, error)) {
	t.mu.Lock()
	t.respond = fn
	t.mu.Unlock()
}

// fakeDialer hands out queued transports in order.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	calls      int
}

func (d *fakeDialer) Connect(context.Context, []string, domain.Identity) (ports.SignalingTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.transports) == 0 {
		return nil, domain.ErrConnectFailed
	}
	t := d.transports[0]
	d.transports = d.transports[1:]
	return t, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeLocalMedia struct {
	mu        sync.Mutex
	muted     bool
	facing    ports.CameraFacing
	switchErr error
	closed    bool
}

func (m *fakeLocalMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeLocalMedia) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *fakeLocalMedia) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

func (m *fakeLocalMedia) Facing() ports.CameraFacing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

func (m *fakeLocalMedia) SwitchCamera() (ports.CameraFacing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.switchErr != nil {
		return m.facing, m.switchErr
	}
	if m.facing == ports.FacingBack {
		m.facing = ports.FacingFront
	} else {
		m.facing = ports.FacingBack
	}
	return m.facing, nil
}

func (m *fakeLocalMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type fakeMediaProvider struct {
	media *fakeLocalMedia
	err   error
}

func (p *fakeMediaProvider) Acquire(context.Context, ports.MediaConstraints) (ports.LocalMedia, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.media, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	states  []ports.SessionState
	created []domain.MeetingID
	ended   []string
	fatal   []error
}

func (o *recordingObserver) OnStateChanged(state ports.SessionState) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
}

func (o *recordingObserver) OnMeetingCreated(id domain.MeetingID) {
	o.mu.Lock()
	o.created = append(o.created, id)
	o.mu.Unlock()
}

func (o *recordingObserver) OnCallEnded(reason string) {
	o.mu.Lock()
	o.ended = append(o.ended, reason)
	o.mu.Unlock()
}

func (o *recordingObserver) OnFatalError(err error) {
	o.mu.Lock()
	o.fatal = append(o.fatal, err)
	o.mu.Unlock()
}

func (o *recordingObserver) endReasons() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ended...)
}

func (o *recordingObserver) fatalErrors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.fatal...)
}

type recordingMetrics struct {
	mu          sync.Mutex
	peers       int
	negotiation map[string]int
	restarts    map[string]int
	dropped     map[string]int
	connects    map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		negotiation: make(map[string]int),
		restarts:    make(map[string]int),
		dropped:     make(map[string]int),
		connects:    make(map[string]int),
	}
}

func (m *recordingMetrics) SetPeerConnections(n int) {
	m.mu.Lock()
	m.peers = n
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordNegotiation(result string) {
	m.mu.Lock()
	m.negotiation[result]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordICERestart(result string) {
	m.mu.Lock()
	m.restarts[result]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordSignalingDropped(reason string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordRelayConnect(result string) {
	m.mu.Lock()
	m.connects[result]++
	m.mu.Unlock()
}

func (m *recordingMetrics) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *recordingMetrics) restartsFor(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[result]
}
