package protocol

// Event names on the signaling wire.
const (
	EventRegister      = "register"
	EventSetPeerID     = "set-peer-id"
	EventCreateMeeting = "create-meeting"
	EventJoinMeeting   = "join-meeting"
	EventLeaveMeeting  = "leave-meeting"
	EventUserJoined    = "user-joined"
	EventUserLeft      = "user-left"
	EventMeetingEnded  = "meeting-ended"
	EventRosterChanged = "roster-changed"
	EventOffer         = "offer"
	EventAnswer        = "answer"
	EventICECandidate  = "ice-candidate"

	EventAck   = "ack"
	EventError = "error"
)

// IsRequest reports whether event expects an acknowledgment.
func IsRequest(event string) bool {
	return event == EventCreateMeeting || event == EventJoinMeeting
}
