package services

import (
	"fmt"
	"math/rand"
	"testing"

	"meetline/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rosterRecorder struct {
	rosters  [][]domain.Participant
	requests []ConnectionRequest
}

func newRecordedRoster() (*RosterManager, *rosterRecorder) {
	r := NewRosterManager(nil)
	rec := &rosterRecorder{}
	r.OnRosterChanged(func(list []domain.Participant) { rec.rosters = append(rec.rosters, list) })
	r.OnConnectionRequested(func(req ConnectionRequest) { rec.requests = append(rec.requests, req) })
	return r, rec
}

func participant(id, name string) domain.Participant {
	return domain.Participant{PeerID: domain.PeerID(id), DisplayName: name}
}

func peerIDs(list []domain.Participant) []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.PeerID)
	}
	return ids
}

func TestRoster_AddOrUpdate_UpdatesInPlace(t *testing.T) {
	r, rec := newRecordedRoster()

	r.AddOrUpdate(participant("p1", "Alice"))
	r.SetConnectionActive("p1", true)
	r.AddOrUpdate(participant("p1", "Alice B."))

	list := r.Participants()
	require.Len(t, list, 1)
	assert.Equal(t, "Alice B.", list[0].DisplayName)
	assert.True(t, list[0].HasActiveConnection, "update keeps transient flags")
	assert.Len(t, rec.rosters, 3)
}

func TestRoster_DuplicateNameReplacesOlderEntry(t *testing.T) {
	r, _ := newRecordedRoster()

	r.AddOrUpdate(participant("p1", "Alice"))
	r.AddOrUpdate(participant("p2", "Bob"))
	replaced := r.AddOrUpdate(participant("p3", "Alice"))

	assert.Equal(t, domain.PeerID("p1"), replaced)
	list := r.Participants()
	assert.Equal(t, []domain.PeerID{"p2", "p3"}, peerIDs(list))

	alices := 0
	for _, p := range list {
		if p.DisplayName == "Alice" {
			alices++
			assert.Equal(t, domain.PeerID("p3"), p.PeerID)
		}
	}
	assert.Equal(t, 1, alices)
}

func TestRoster_NameOrUserIDReplacesOlderEntry(t *testing.T) {
	r, _ := newRecordedRoster()

	r.AddOrUpdate(domain.Participant{PeerID: "p1", DisplayName: "Sam", UserID: "u1"})
	replaced := r.AddOrUpdate(domain.Participant{PeerID: "p2", DisplayName: "Sam", UserID: "u2"})
	assert.Equal(t, domain.PeerID("p1"), replaced)
	assert.Equal(t, []domain.PeerID{"p2"}, peerIDs(r.Participants()), "one entry per display name")

	r.AddOrUpdate(domain.Participant{PeerID: "p3", DisplayName: "Alex", UserID: "u3"})
	r.AddOrUpdate(domain.Participant{PeerID: "p4", DisplayName: "Samuel", UserID: "u2"})
	assert.Equal(t, []domain.PeerID{"p3", "p4"}, peerIDs(r.Participants()))

	// Matching one entry by name and another by user id drops both.
	r.AddOrUpdate(domain.Participant{PeerID: "p5", DisplayName: "Alex", UserID: "u2"})
	assert.Equal(t, []domain.PeerID{"p5"}, peerIDs(r.Participants()))
}

func TestRoster_UniquenessUnderRandomOperations(t *testing.T) {
	r, rec := newRecordedRoster()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("p%d", rng.Intn(12))
		name := fmt.Sprintf("user%d", rng.Intn(6))
		switch rng.Intn(4) {
		case 0, 1:
			r.AddOrUpdate(participant(id, name))
		case 2:
			r.Remove(domain.PeerID(id))
		case 3:
			r.HandleJoined(participant(id, name), "self")
		}

		seenPeers := map[domain.PeerID]bool{}
		seenNames := map[string]bool{}
		for _, p := range r.Participants() {
			require.False(t, seenPeers[p.PeerID], "duplicate peer id %s after op %d", p.PeerID, i)
			require.False(t, seenNames[p.DisplayName], "duplicate name %s after op %d", p.DisplayName, i)
			seenPeers[p.PeerID] = true
			seenNames[p.DisplayName] = true
		}
	}
	assert.NotEmpty(t, rec.rosters)
}

func TestRoster_SynchronizeExcludesSelfAndInitiates(t *testing.T) {
	r, rec := newRecordedRoster()
	r.AddOrUpdate(participant("stale", "Old"))
	rec.requests = nil

	r.Synchronize([]domain.Participant{
		participant("p1", "Alice"),
		participant("self", "Me"),
		participant("p2", "Bob"),
	}, "self")

	assert.Equal(t, []domain.PeerID{"p1", "p2"}, peerIDs(r.Participants()))
	require.Len(t, rec.requests, 2)
	for _, req := range rec.requests {
		assert.True(t, req.IsInitiator)
		assert.NotEqual(t, domain.PeerID("self"), req.Participant.PeerID)
	}
	last := rec.rosters[len(rec.rosters)-1]
	assert.Len(t, last, 2, "notification carries the full list")
}

func TestRoster_HandleJoined(t *testing.T) {
	r, rec := newRecordedRoster()

	r.HandleJoined(participant("self", "Me"), "self")
	assert.Zero(t, r.Len())
	assert.Empty(t, rec.requests)

	r.HandleJoined(participant("p1", "Alice"), "self")
	require.Len(t, rec.requests, 1)
	assert.False(t, rec.requests[0].IsInitiator)
	assert.Equal(t, domain.PeerID("p1"), rec.requests[0].Participant.PeerID)
	assert.False(t, rec.requests[0].Participant.JoinedAt.IsZero())
}

// A is present first, B joins later: exactly one side initiates.
func TestRoster_InitiatorSymmetry(t *testing.T) {
	rosterA, recA := newRecordedRoster()
	rosterB, recB := newRecordedRoster()

	// B's join is acknowledged with the meeting's current members.
	rosterB.Synchronize([]domain.Participant{participant("A", "Alice"), participant("B", "Bob")}, "B")
	// The relay announces B to A.
	rosterA.HandleJoined(participant("B", "Bob"), "A")

	require.Len(t, recA.requests, 1)
	require.Len(t, recB.requests, 1)
	assert.Equal(t, domain.PeerID("B"), recA.requests[0].Participant.PeerID)
	assert.Equal(t, domain.PeerID("A"), recB.requests[0].Participant.PeerID)
	assert.NotEqual(t, recA.requests[0].IsInitiator, recB.requests[0].IsInitiator, "never both initiators")
	assert.False(t, recA.requests[0].IsInitiator && recB.requests[0].IsInitiator)
}

func TestRoster_ReconcileRemovesAbsentWithoutRequests(t *testing.T) {
	r, rec := newRecordedRoster()
	r.AddOrUpdate(participant("p1", "Alice"))
	r.AddOrUpdate(participant("p2", "Bob"))
	notifications := len(rec.rosters)

	r.Reconcile([]domain.Participant{participant("p2", "Robert"), participant("p9", "New")}, "self")

	list := r.Participants()
	require.Len(t, list, 1)
	assert.Equal(t, "Robert", list[0].DisplayName)
	assert.Empty(t, rec.requests)
	assert.Len(t, rec.rosters, notifications+1)

	r.Reconcile([]domain.Participant{participant("p2", "Robert")}, "self")
	assert.Len(t, rec.rosters, notifications+1, "no notification when nothing changed")
}

func TestRoster_RemoveAndClear(t *testing.T) {
	r, rec := newRecordedRoster()
	r.AddOrUpdate(participant("p1", "Alice"))

	assert.False(t, r.Remove("missing"))
	assert.True(t, r.Remove("p1"))
	assert.Zero(t, r.Len())

	r.AddOrUpdate(participant("p2", "Bob"))
	r.Clear()
	assert.Empty(t, r.Participants())
	assert.Empty(t, rec.rosters[len(rec.rosters)-1])
}

func TestRoster_Flags(t *testing.T) {
	r, rec := newRecordedRoster()
	r.AddOrUpdate(participant("p1", "Alice"))
	before := len(rec.rosters)

	r.SetRefreshing("p1", true)
	r.SetRefreshing("p1", true)
	r.SetConnectionActive("missing", true)

	p, ok := r.Get("p1")
	require.True(t, ok)
	assert.True(t, p.IsRefreshing)
	assert.Len(t, rec.rosters, before+1)
}
