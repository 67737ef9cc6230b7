package signal

import (
	"context"
	"testing"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/internal/core/services"
	webrtcinfra "meetline/internal/infrastructure/webrtc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessions over the reference relay with real pion connections

type endedObserver struct {
	services.NopObserver
	ended chan string
}

func (o *endedObserver) OnCallEnded(reason string) {
	select {
	case o.ended <- reason:
	default:
	}
}

func startSession(t *testing.T, endpoint, name string) (*services.Session, *endedObserver) {
	t.Helper()
	factory, err := webrtcinfra.NewConnectionFactory(webrtcinfra.FactoryConfig{}, nil)
	require.NoError(t, err)

	observer := &endedObserver{ended: make(chan string, 4)}
	session := services.NewSession(
		services.SessionConfig{
			Endpoints:    []string{endpoint},
			Media:        ports.MediaConstraints{Audio: true, Video: true, Facing: ports.FacingFront},
			RestartGrace: 2 * time.Second,
		},
		NewDialer(testDialerConfig(), nil, nil),
		factory,
		webrtcinfra.NewMediaProvider(webrtcinfra.DefaultDevice()),
		services.StaticIdentity{DisplayName: name},
		observer,
		nil,
		nil,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = session.Close(ctx)
	})
	require.NoError(t, session.Start(context.Background()))
	return session, observer
}

func rosterNames(s *services.Session) []string {
	var names []string
	for _, p := range s.Roster() {
		names = append(names, p.DisplayName)
	}
	return names
}

func eventuallyRoster(t *testing.T, s *services.Session, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, rosterNames(s))
	}, 5*time.Second, 20*time.Millisecond, "roster never became %v, last %v", want, rosterNames(s))
}

// eventuallyConnected waits until s has a live connection to every roster
// member and receives media from each of them.
func eventuallyConnected(t *testing.T, s *services.Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		roster := s.Roster()
		media := s.RemoteMedia()
		if len(roster) == 0 {
			return false
		}
		for _, p := range roster {
			if !p.HasActiveConnection || len(media[p.PeerID]) == 0 {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "media never flowed to %v", rosterNames(s))
}

func TestSessionFlow_CreateJoinLeaveEnd(t *testing.T) {
	f := newRelayFixture(t, nil, nil)
	ctx := context.Background()

	alice, _ := startSession(t, f.endpoint, "Alice")
	bob, _ := startSession(t, f.endpoint, "Bob")
	carol, carolObs := startSession(t, f.endpoint, "Carol")

	code, err := alice.CreateMeeting(ctx)
	require.NoError(t, err)
	assert.Len(t, string(code), 6)

	require.NoError(t, bob.JoinMeeting(ctx, string(code)))
	eventuallyRoster(t, alice, "Bob")
	eventuallyRoster(t, bob, "Alice")

	require.NoError(t, carol.JoinMeeting(ctx, string(code)))
	eventuallyRoster(t, carol, "Alice", "Bob")
	eventuallyRoster(t, alice, "Bob", "Carol")
	eventuallyRoster(t, bob, "Alice", "Carol")
	eventuallyConnected(t, alice)
	eventuallyConnected(t, bob)
	eventuallyConnected(t, carol)

	bobID := bob.PeerID()
	require.NoError(t, bob.LeaveMeeting(ctx))
	assert.Empty(t, bob.MeetingID())
	assert.Empty(t, bob.Roster())
	assert.Empty(t, bob.RemoteMedia())
	eventuallyRoster(t, alice, "Carol")
	eventuallyRoster(t, carol, "Alice")
	for _, s := range []*services.Session{alice, carol} {
		require.Eventually(t, func() bool {
			_, ok := s.RemoteMedia()[bobID]
			return !ok
		}, 5*time.Second, 20*time.Millisecond, "remote media from the departed member was kept")
	}

	require.NoError(t, alice.EndMeeting(ctx))
	select {
	case reason := <-carolObs.ended:
		assert.Equal(t, services.EndReasonEnded, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("carol was not told the meeting ended")
	}
	require.Eventually(t, func() bool { return carol.MeetingID() == "" }, 5*time.Second, 20*time.Millisecond)

	_, err = f.repo.Get(ctx, code)
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
}

func TestSessionFlow_JoinUnknownMeeting(t *testing.T) {
	f := newRelayFixture(t, nil, nil)
	bob, _ := startSession(t, f.endpoint, "Bob")

	err := bob.JoinMeeting(context.Background(), "ZZZ999")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
	assert.Empty(t, bob.MeetingID())
}
