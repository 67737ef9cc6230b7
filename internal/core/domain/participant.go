package domain

import "time"

// PeerID is assigned by the relay per connection. It is not stable across reconnects.
type PeerID string

// UserID is an optional stable identity supplied by the identity provider.
type UserID string

// Participant is one meeting member as seen by the local roster.
type Participant struct {
	PeerID      PeerID
	DisplayName string
	UserID      UserID

	IsLocal             bool
	IsRefreshing        bool
	HasActiveConnection bool

	JoinedAt time.Time
}

// SameIdentity reports whether p and other look like the same person under different
// peer identifiers: the same display name, or the same user id. Empty values never match.
func (p Participant) SameIdentity(other Participant) bool {
	if p.PeerID == other.PeerID {
		return false
	}
	if p.DisplayName != "" && p.DisplayName == other.DisplayName {
		return true
	}
	return p.UserID != "" && p.UserID == other.UserID
}

// Identity is what the session registers with the relay.
type Identity struct {
	DisplayName string
	UserID      UserID
}
