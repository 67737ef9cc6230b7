package domain

import "time"

// MeetingID is the short opaque meeting code handed out by the relay.
type MeetingID string

type MeetingRole string

const (
	RoleCreator MeetingRole = "created"
	RoleJoiner  MeetingRole = "joined"
)

// MeetingSession is the single active meeting of a session facade.
type MeetingSession struct {
	ID        MeetingID
	Role      MeetingRole
	StartedAt time.Time
}

func (m MeetingSession) IsCreator() bool {
	return m.Role == RoleCreator
}

// RelayMeeting is the relay's record of a meeting and its members, in join order.
type RelayMeeting struct {
	ID        MeetingID     `json:"id"`
	CreatorID PeerID        `json:"creatorId"`
	Members   []Participant `json:"members"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Member returns the member with the given peer id.
func (m *RelayMeeting) Member(id PeerID) (Participant, bool) {
	for _, p := range m.Members {
		if p.PeerID == id {
			return p, true
		}
	}
	return Participant{}, false
}
