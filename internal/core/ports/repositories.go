package ports

import (
	"context"

	"meetline/internal/core/domain"
)

// MeetingRepository stores relay-side meeting membership.
type MeetingRepository interface {
	Create(ctx context.Context, meeting *domain.RelayMeeting) error
	Get(ctx context.Context, id domain.MeetingID) (*domain.RelayMeeting, error)
	AddMember(ctx context.Context, id domain.MeetingID, member domain.Participant) (*domain.RelayMeeting, error)
	RemoveMember(ctx context.Context, id domain.MeetingID, peerID domain.PeerID) (*domain.RelayMeeting, error)
	Delete(ctx context.Context, id domain.MeetingID) error
	Count(ctx context.Context) (int, error)
}

// RelayMetrics records relay-side metrics.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SetMeetings(n int)
	RecordMessage(event string)
}
