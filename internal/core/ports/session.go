package ports

import (
	"context"

	"meetline/internal/core/domain"
)

// IdentityProvider supplies the name registered with the relay.
type IdentityProvider interface {
	Identity(ctx context.Context) (domain.Identity, error)
}

// SessionState is what the presentation layer renders.
type SessionState struct {
	MeetingID          domain.MeetingID
	Role               domain.MeetingRole
	Roster             []domain.Participant
	LocalMedia         LocalMedia
	RemoteMedia        map[domain.PeerID][]RemoteStream
	TransportConnected bool
}

// SessionObserver receives session notifications. Methods are called from the
// session event loop and must return quickly.
type SessionObserver interface {
	OnStateChanged(state SessionState)
	OnMeetingCreated(meetingID domain.MeetingID)
	OnCallEnded(reason string)
	OnFatalError(err error)
}

// CallMetrics records client-side call metrics.
type CallMetrics interface {
	SetPeerConnections(n int)
	RecordNegotiation(result string)
	RecordICERestart(result string)
	RecordSignalingDropped(reason string)
	RecordRelayConnect(result string)
}
