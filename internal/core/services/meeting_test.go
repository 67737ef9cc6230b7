package services

import (
	"context"
	"errors"
	"testing"

	"meetline/internal/core/domain"
	apperrors "meetline/pkg/errors"
	"meetline/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMeetingFixture(t *testing.T) (*MeetingManager, *RosterManager, *rosterRecorder, *fakeTransport) {
	t.Helper()
	roster, rec := newRecordedRoster()
	m := NewMeetingManager(roster, newTestLoop(t), nil)
	return m, roster, rec, newFakeTransport("local")
}

func TestMeetingManager_Create(t *testing.T) {
	m, roster, _, tr := newMeetingFixture(t)
	roster.AddOrUpdate(participant("stale", "Old"))
	tr.setRespond(func(event string, _ any) (*protocol.Ack, error) {
		assert.Equal(t, protocol.EventCreateMeeting, event)
		return &protocol.Ack{Success: true, MeetingID: string(testMeetingID)}, nil
	})

	id, err := m.Create(context.Background(), tr, "Alice")
	require.NoError(t, err)

	assert.Equal(t, testMeetingID, id)
	current, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, domain.RoleCreator, current.Role)
	assert.Zero(t, roster.Len())

	_, err = m.Create(context.Background(), tr, "Alice")
	assert.ErrorIs(t, err, domain.ErrAlreadyInMeeting)
}

func TestMeetingManager_CreateRequiresConnectedTransport(t *testing.T) {
	m, _, _, tr := newMeetingFixture(t)
	tr.connected.Store(false)

	_, err := m.Create(context.Background(), tr, "Alice")
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryTransport, apperrors.CategoryOf(err))
	assert.Empty(t, tr.requestedEvents(protocol.EventCreateMeeting))
}

func TestMeetingManager_CreateRejectsMalformedCode(t *testing.T) {
	m, _, _, tr := newMeetingFixture(t)
	tr.setRespond(func(string, any) (*protocol.Ack, error) {
		return &protocol.Ack{Success: true, MeetingID: "nope"}, nil
	})

	_, err := m.Create(context.Background(), tr, "Alice")
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	assert.Empty(t, m.MeetingID())
}

func TestMeetingManager_JoinSynchronizesRoster(t *testing.T) {
	m, roster, rec, tr := newMeetingFixture(t)
	tr.setRespond(func(event string, payload any) (*protocol.Ack, error) {
		req := payload.(protocol.JoinMeetingRequest)
		assert.Equal(t, string(testMeetingID), req.MeetingID)
		return &protocol.Ack{
			Success:   true,
			MeetingID: req.MeetingID,
			Participants: []protocol.ParticipantInfo{
				{PeerID: "creator", DisplayName: "Alice"},
				{PeerID: "local", DisplayName: "Me"},
				{PeerID: "other", DisplayName: "Carol"},
			},
		}, nil
	})

	err := m.Join(context.Background(), tr, " abc123 ", "Me")
	require.NoError(t, err)

	assert.Equal(t, testMeetingID, m.MeetingID())
	assert.ElementsMatch(t, []domain.PeerID{"creator", "other"}, peerIDs(roster.Participants()))
	require.Len(t, rec.requests, 2)
	for _, req := range rec.requests {
		assert.True(t, req.IsInitiator, "the joiner offers to every existing member")
	}
}

func TestMeetingManager_JoinRejectsInvalidCode(t *testing.T) {
	m, _, _, tr := newMeetingFixture(t)

	err := m.Join(context.Background(), tr, "ab", "Me")
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryProtocol, apperrors.CategoryOf(err))
	assert.Empty(t, tr.requestedEvents(protocol.EventJoinMeeting))
}

func TestMeetingManager_JoinRejected(t *testing.T) {
	tests := []struct {
		name     string
		reason   string
		notFound bool
	}{
		{"not found", "MEETING_NOT_FOUND: meeting ABC123 not found", true},
		{"other", "meeting is full", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _, tr := newMeetingFixture(t)
			tr.setRespond(func(string, any) (*protocol.Ack, error) {
				return &protocol.Ack{Success: false, Error: tt.reason}, nil
			})

			err := m.Join(context.Background(), tr, string(testMeetingID), "Me")
			require.Error(t, err)
			assert.True(t, IsRejection(err))
			assert.Equal(t, tt.notFound, errors.Is(err, domain.ErrMeetingNotFound))
			_, active := m.Current()
			assert.False(t, active)
		})
	}
}

func TestMeetingManager_JoinTransportFailure(t *testing.T) {
	m, _, _, tr := newMeetingFixture(t)
	tr.setRespond(func(string, any) (*protocol.Ack, error) {
		return nil, domain.ErrAckTimeout
	})

	err := m.Join(context.Background(), tr, string(testMeetingID), "Me")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAckTimeout)
	assert.False(t, IsRejection(err))
}

func TestMeetingManager_LeaveWithDisconnectedTransportClearsState(t *testing.T) {
	m, roster, _, tr := newMeetingFixture(t)
	require.NoError(t, m.Join(context.Background(), tr, string(testMeetingID), "Me"))
	roster.AddOrUpdate(participant("p1", "Alice"))
	tr.connected.Store(false)

	require.NoError(t, m.Leave(context.Background(), tr, false))

	_, active := m.Current()
	assert.False(t, active)
	assert.Zero(t, roster.Len())
	assert.Empty(t, tr.publishedEvents(protocol.EventLeaveMeeting))
}

func TestMeetingManager_LeaveAnnounces(t *testing.T) {
	m, _, _, tr := newMeetingFixture(t)
	require.NoError(t, m.Join(context.Background(), tr, string(testMeetingID), "Me"))

	require.NoError(t, m.Leave(context.Background(), tr, true))

	leaves := tr.publishedEvents(protocol.EventLeaveMeeting)
	require.Len(t, leaves, 1)
	payload := leaves[0].(protocol.LeaveMeetingPayload)
	assert.Equal(t, string(testMeetingID), payload.MeetingID)
	assert.False(t, payload.EndForAll, "only the creator can end a meeting for everyone")
}

func TestMeetingManager_LeaveWithoutMeetingIsNoop(t *testing.T) {
	m, _, _, tr := newMeetingFixture(t)

	require.NoError(t, m.Leave(context.Background(), tr, false))
	assert.Empty(t, tr.publishedEvents(protocol.EventLeaveMeeting))
}

func TestMeetingManager_HandleEnded(t *testing.T) {
	m, roster, _, tr := newMeetingFixture(t)
	tr.setRespond(func(string, any) (*protocol.Ack, error) {
		return &protocol.Ack{Success: true, MeetingID: string(testMeetingID)}, nil
	})
	_, err := m.Create(context.Background(), tr, "Alice")
	require.NoError(t, err)
	roster.AddOrUpdate(participant("p1", "Bob"))

	assert.False(t, m.HandleEnded("OTHER1"))
	assert.Equal(t, testMeetingID, m.MeetingID())

	assert.True(t, m.HandleEnded(testMeetingID))
	assert.Empty(t, m.MeetingID())
	assert.Zero(t, roster.Len())
}

func TestMeetingManager_HoldsWorkOnlyWhileJoining(t *testing.T) {
	m, _, _, tr := newMeetingFixture(t)
	assert.False(t, m.Hold(testMeetingID, func() {}), "nothing is being joined")

	var order []string
	tr.setRespond(func(string, any) (*protocol.Ack, error) {
		assert.False(t, m.Hold("OTHER1", func() {}), "only the meeting being joined is held")
		require.True(t, m.Hold(testMeetingID, func() {
			assert.Equal(t, testMeetingID, m.MeetingID(), "held work runs once the meeting is active")
			order = append(order, "held")
		}))
		return &protocol.Ack{Success: true, MeetingID: string(testMeetingID)}, nil
	})

	require.NoError(t, m.Join(context.Background(), tr, string(testMeetingID), "Me"))
	assert.Equal(t, []string{"held"}, order)
	assert.False(t, m.Hold(testMeetingID, func() {}), "active meetings are not held")
}

func TestMeetingManager_RejectedJoinDiscardsHeldWork(t *testing.T) {
	m, _, _, tr := newMeetingFixture(t)
	ran := false
	tr.setRespond(func(string, any) (*protocol.Ack, error) {
		require.True(t, m.Hold(testMeetingID, func() { ran = true }))
		return &protocol.Ack{Success: false, Error: "MEETING_NOT_FOUND: meeting ABC123 not found"}, nil
	})

	err := m.Join(context.Background(), tr, string(testMeetingID), "Me")
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
	assert.False(t, ran)
	assert.False(t, m.Hold(testMeetingID, func() {}))
}
