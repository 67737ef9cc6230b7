package services

import (
	"errors"
	"testing"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/pkg/eventloop"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peerFixture struct {
	loop     *eventloop.Loop
	roster   *RosterManager
	factory  *fakeFactory
	signaler *fakeSignaler
	metrics  *recordingMetrics
	peers    *PeerManager
}

func newPeerFixture(t *testing.T, grace time.Duration) *peerFixture {
	t.Helper()
	f := &peerFixture{
		loop:     newTestLoop(t),
		roster:   NewRosterManager(nil),
		factory:  &fakeFactory{},
		signaler: &fakeSignaler{},
		metrics:  newRecordingMetrics(),
	}
	f.peers = NewPeerManager(PeerManagerConfig{RestartGrace: grace}, f.factory, f.signaler, f.roster, f.loop, f.metrics, nil)
	return f
}

func TestPeerManager_CreateIsIdempotentForHealthyConnection(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	p := participant("p1", "Alice")

	first, err := f.peers.Create(p, false)
	require.NoError(t, err)
	second, err := f.peers.Create(p, false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.factory.count())
	assert.Equal(t, 1, f.peers.Count())
}

func TestPeerManager_InitiatorSendsOffer(t *testing.T) {
	f := newPeerFixture(t, time.Second)

	pc, err := f.peers.Create(participant("p1", "Alice"), true)
	require.NoError(t, err)

	require.Equal(t, 1, f.signaler.offerCount())
	assert.Equal(t, domain.PeerID("p1"), f.signaler.offers[0].to)
	assert.Equal(t, domain.NegotiationOffering, pc.State())
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, f.factory.conn(0).SignalingState())
}

func TestPeerManager_AnswererDoesNotOffer(t *testing.T) {
	f := newPeerFixture(t, time.Second)

	_, err := f.peers.Create(participant("p1", "Alice"), false)
	require.NoError(t, err)

	assert.Zero(t, f.signaler.offerCount())
}

func TestPeerManager_CreateReplacesStaleConnection(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	p := participant("p1", "Alice")

	_, err := f.peers.Create(p, false)
	require.NoError(t, err)
	old := f.factory.conn(0)
	old.mu.Lock()
	old.connState = webrtc.PeerConnectionStateFailed
	old.mu.Unlock()

	_, err = f.peers.Create(p, false)
	require.NoError(t, err)

	assert.Equal(t, 2, f.factory.count())
	assert.True(t, old.isClosed())
	assert.Equal(t, 1, f.peers.Count())
}

func TestPeerManager_CreateFailsWhenFactoryFails(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	f.factory.err = errors.New("no ports")

	_, err := f.peers.Create(participant("p1", "Alice"), true)
	require.Error(t, err)
	assert.Zero(t, f.peers.Count())
}

func TestPeerConnection_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	pc, err := f.peers.Create(participant("p1", "Alice"), false)
	require.NoError(t, err)
	conn := f.factory.conn(0)

	for _, c := range []string{"candidate:1 1 udp 1 10.0.0.1 5000 typ host", "candidate:2 1 udp 1 10.0.0.2 5000 typ host"} {
		buffered, err := pc.addCandidate(webrtc.ICECandidateInit{Candidate: c})
		require.NoError(t, err)
		assert.True(t, buffered)
	}
	assert.Equal(t, 2, pc.PendingCandidates())
	assert.Empty(t, conn.remoteCandidates())

	answer, candidateErr, err := pc.acceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWithFingerprint("sha-256 AA")})
	require.NoError(t, err)
	require.NoError(t, candidateErr)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	assert.Zero(t, pc.PendingCandidates())
	assert.Len(t, conn.remoteCandidates(), 2)

	buffered, err := pc.addCandidate(webrtc.ICECandidateInit{Candidate: "candidate:3 1 udp 1 10.0.0.3 5000 typ host"})
	require.NoError(t, err)
	assert.False(t, buffered, "applied directly once the remote description is set")
	assert.Len(t, conn.remoteCandidates(), 3)
}

func TestPeerConnection_GlareOnOutstandingOffer(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	pc, err := f.peers.Create(participant("p1", "Alice"), true)
	require.NoError(t, err)

	_, _, err = pc.acceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWithFingerprint("sha-256 AA")})
	assert.ErrorIs(t, err, errGlare)

	require.NoError(t, pc.rollback())
	_, _, err = pc.acceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWithFingerprint("sha-256 AA")})
	assert.NoError(t, err)
}

func TestPeerConnection_AnswerWithoutOfferFails(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	pc, err := f.peers.Create(participant("p1", "Alice"), false)
	require.NoError(t, err)

	_, err = pc.acceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpWithFingerprint("sha-256 AA")})
	assert.Error(t, err)
}

func TestPeerManager_FailedConnectionIsDiscardedAfterGrace(t *testing.T) {
	f := newPeerFixture(t, 30*time.Millisecond)
	p := participant("p1", "Alice")
	f.roster.AddOrUpdate(p)

	_, err := f.peers.Create(p, true)
	require.NoError(t, err)
	conn := f.factory.conn(0)

	conn.setConnectionState(webrtc.PeerConnectionStateConnected)
	flush(t, f.loop)
	got, _ := f.roster.Get("p1")
	require.True(t, got.HasActiveConnection)

	conn.setConnectionState(webrtc.PeerConnectionStateFailed)
	flush(t, f.loop)

	assert.Equal(t, 1, conn.restarts(), "initiator sends an ice restart offer")
	assert.Equal(t, 2, f.signaler.offerCount())

	require.Eventually(t, func() bool { return f.peers.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 1, f.metrics.restartsFor(ICERestartFailed))

	got, ok := f.roster.Get("p1")
	require.True(t, ok, "participant stays listed")
	assert.False(t, got.HasActiveConnection)
}

func TestPeerManager_AnswererWaitsForRestartOffer(t *testing.T) {
	f := newPeerFixture(t, 30*time.Millisecond)

	_, err := f.peers.Create(participant("p1", "Alice"), false)
	require.NoError(t, err)
	conn := f.factory.conn(0)

	conn.setICEState(webrtc.ICEConnectionStateFailed)
	flush(t, f.loop)

	assert.Zero(t, conn.restarts())
	assert.Zero(t, f.signaler.offerCount())
	assert.Equal(t, 1, f.metrics.restartsFor(ICERestartAttempted))
	require.Eventually(t, func() bool { return f.peers.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPeerManager_RecoveryWithinGraceKeepsConnection(t *testing.T) {
	f := newPeerFixture(t, 50*time.Millisecond)

	pc, err := f.peers.Create(participant("p1", "Alice"), true)
	require.NoError(t, err)
	conn := f.factory.conn(0)

	conn.setConnectionState(webrtc.PeerConnectionStateFailed)
	flush(t, f.loop)
	assert.True(t, pc.restarting())

	conn.setConnectionState(webrtc.PeerConnectionStateConnected)
	flush(t, f.loop)
	assert.False(t, pc.restarting())
	assert.Equal(t, 1, f.metrics.restartsFor(ICERestartRecovered))

	time.Sleep(100 * time.Millisecond)
	flush(t, f.loop)
	assert.Equal(t, 1, f.peers.Count())
	assert.False(t, conn.isClosed())
}

func TestPeerManager_StaleCallbacksAreIgnored(t *testing.T) {
	f := newPeerFixture(t, 20*time.Millisecond)
	p := participant("p1", "Alice")
	f.roster.AddOrUpdate(p)

	_, err := f.peers.Create(p, false)
	require.NoError(t, err)
	old := f.factory.conn(0)

	_, err = f.peers.ReplaceAsAnswerer("p1")
	require.NoError(t, err)

	old.setConnectionState(webrtc.PeerConnectionStateFailed)
	flush(t, f.loop)
	time.Sleep(60 * time.Millisecond)
	flush(t, f.loop)

	assert.Equal(t, 1, f.peers.Count(), "failure of the replaced connection does not affect the new one")
	assert.Zero(t, f.metrics.restartsFor(ICERestartAttempted))
}

func TestPeerManager_RemoteTracksGroupByStream(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	pc, err := f.peers.Create(participant("p1", "Alice"), false)
	require.NoError(t, err)

	var snapshots []map[domain.PeerID][]ports.RemoteStream
	f.peers.OnRemoteMediaChanged(func(m map[domain.PeerID][]ports.RemoteStream) { snapshots = append(snapshots, m) })

	onLoop(t, f.loop, func() {
		f.peers.handleRemoteTrack("p1", pc.gen, "stream-1", ports.RemoteTrack{ID: "audio", Kind: webrtc.RTPCodecTypeAudio}, 0)
		f.peers.handleRemoteTrack("p1", pc.gen, "stream-1", ports.RemoteTrack{ID: "video", Kind: webrtc.RTPCodecTypeVideo}, 42)
		f.peers.handleRemoteTrack("p1", pc.gen, "stream-1", ports.RemoteTrack{ID: "video", Kind: webrtc.RTPCodecTypeVideo}, 42)
	})

	media := f.peers.RemoteMedia()
	require.Len(t, media["p1"], 1)
	assert.Equal(t, "stream-1", media["p1"][0].StreamID)
	assert.Len(t, media["p1"][0].Tracks, 2)
	assert.NotEmpty(t, f.factory.conn(0).rtcp, "keyframe requested for video")

	require.Len(t, snapshots, 2, "each new track is published once, a repeated track is not")
	assert.Len(t, snapshots[1]["p1"][0].Tracks, 2, "listeners see the video track joining the stream")
}

func TestPeerManager_ClosePeerConnectionDropsRemoteMedia(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	p := participant("p1", "Alice")
	f.roster.AddOrUpdate(p)
	pc, err := f.peers.Create(p, false)
	require.NoError(t, err)
	f.roster.SetConnectionActive("p1", true)

	var last map[domain.PeerID][]ports.RemoteStream
	f.peers.OnRemoteMediaChanged(func(m map[domain.PeerID][]ports.RemoteStream) { last = m })
	onLoop(t, f.loop, func() {
		f.peers.handleRemoteTrack("p1", pc.gen, "s", ports.RemoteTrack{ID: "a", Kind: webrtc.RTPCodecTypeAudio}, 0)
	})
	require.Len(t, last, 1)

	assert.True(t, f.peers.ClosePeerConnection("p1"))
	assert.False(t, f.peers.ClosePeerConnection("p1"))

	assert.Empty(t, last)
	assert.Empty(t, f.peers.RemoteMedia())
	got, _ := f.roster.Get("p1")
	assert.False(t, got.HasActiveConnection)
}

func TestPeerManager_PruneKeepsListedPeers(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := f.peers.Create(participant(id, id), false)
		require.NoError(t, err)
	}

	f.peers.Prune([]domain.Participant{participant("p2", "p2")})

	assert.Equal(t, []domain.PeerID{"p2"}, f.peers.PeerIDs())
	assert.True(t, f.factory.conn(0).isClosed())
	assert.False(t, f.factory.conn(1).isClosed())
	assert.True(t, f.factory.conn(2).isClosed())
}

func TestPeerManager_RefreshRecreatesAsInitiator(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	p := participant("p1", "Alice")
	f.roster.AddOrUpdate(p)
	_, err := f.peers.Create(p, false)
	require.NoError(t, err)

	pc, err := f.peers.Refresh("p1")
	require.NoError(t, err)

	assert.True(t, pc.IsInitiator())
	assert.True(t, f.factory.conn(0).isClosed())
	assert.Equal(t, 1, f.signaler.offerCount())
	got, _ := f.roster.Get("p1")
	assert.True(t, got.IsRefreshing)

	_, err = f.peers.Refresh("nobody")
	assert.ErrorIs(t, err, domain.ErrUnknownPeer)
}

func TestPeerManager_RecoverOnlyForRosterMembers(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	f.roster.AddOrUpdate(participant("p1", "Alice"))

	pc, ok := f.peers.Recover("p1")
	require.True(t, ok)
	assert.False(t, pc.IsInitiator())

	_, ok = f.peers.Recover("stranger")
	assert.False(t, ok)
}

func TestPeerManager_CloseAll(t *testing.T) {
	f := newPeerFixture(t, time.Second)
	for _, id := range []string{"p1", "p2"} {
		_, err := f.peers.Create(participant(id, id), false)
		require.NoError(t, err)
	}

	f.peers.CloseAll()

	assert.Zero(t, f.peers.Count())
	assert.True(t, f.factory.conn(0).isClosed())
	assert.True(t, f.factory.conn(1).isClosed())
}
