package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pion/webrtc/v3"
)

// MeetingCodeLength is the length of relay-issued meeting codes.
const MeetingCodeLength = 6

var meetingCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	AckID uint64          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every typed message body.
type Payload interface {
	Validate() error
}

// ParticipantInfo is the relay's view of one meeting member.
type ParticipantInfo struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId,omitempty"`
}

func (p ParticipantInfo) Validate() error {
	if p.PeerID == "" {
		return fmt.Errorf("participant missing peerId")
	}
	return nil
}

type RegisterPayload struct {
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId,omitempty"`
}

func (p RegisterPayload) Validate() error {
	if strings.TrimSpace(p.DisplayName) == "" {
		return fmt.Errorf("register missing displayName")
	}
	return nil
}

type SetPeerIDPayload struct {
	PeerID string `json:"peerId"`
}

func (p SetPeerIDPayload) Validate() error {
	if p.PeerID == "" {
		return fmt.Errorf("set-peer-id missing peerId")
	}
	return nil
}

type CreateMeetingRequest struct {
	DisplayName string `json:"displayName"`
}

func (p CreateMeetingRequest) Validate() error {
	return nil
}

type JoinMeetingRequest struct {
	MeetingID   string `json:"meetingId"`
	DisplayName string `json:"displayName"`
}

func (p JoinMeetingRequest) Validate() error {
	return ValidateMeetingCode(p.MeetingID)
}

type LeaveMeetingPayload struct {
	MeetingID string `json:"meetingId"`
	EndForAll bool   `json:"endForAll,omitempty"`
}

func (p LeaveMeetingPayload) Validate() error {
	return ValidateMeetingCode(p.MeetingID)
}

// Ack answers create-meeting and join-meeting.
type Ack struct {
	Success      bool              `json:"success"`
	MeetingID    string            `json:"meetingId,omitempty"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func (a Ack) Validate() error {
	if !a.Success {
		return nil
	}
	for _, p := range a.Participants {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type UserJoinedPayload struct {
	MeetingID   string          `json:"meetingId"`
	Participant ParticipantInfo `json:"participant"`
}

func (p UserJoinedPayload) Validate() error {
	if p.MeetingID == "" {
		return fmt.Errorf("user-joined missing meetingId")
	}
	return p.Participant.Validate()
}

type UserLeftPayload struct {
	MeetingID string `json:"meetingId"`
	PeerID    string `json:"peerId"`
}

func (p UserLeftPayload) Validate() error {
	if p.MeetingID == "" || p.PeerID == "" {
		return fmt.Errorf("user-left missing meetingId/peerId")
	}
	return nil
}

type RosterChangedPayload struct {
	MeetingID    string            `json:"meetingId"`
	Participants []ParticipantInfo `json:"participants"`
}

func (p RosterChangedPayload) Validate() error {
	if p.MeetingID == "" {
		return fmt.Errorf("roster-changed missing meetingId")
	}
	for _, part := range p.Participants {
		if err := part.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type MeetingEndedPayload struct {
	MeetingID string `json:"meetingId"`
	Reason    string `json:"reason,omitempty"`
}

func (p MeetingEndedPayload) Validate() error {
	if p.MeetingID == "" {
		return fmt.Errorf("meeting-ended missing meetingId")
	}
	return nil
}

// SessionDescriptionPayload carries an offer or an answer.
type SessionDescriptionPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	MeetingID string `json:"meetingId"`
	SDP       string `json:"sdp"`
}

func (p SessionDescriptionPayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("session description missing to")
	}
	if p.MeetingID == "" {
		return fmt.Errorf("session description missing meetingId")
	}
	return ValidateSDP(p.SDP)
}

// Description converts the payload into a pion session description of type t.
func (p SessionDescriptionPayload) Description(t webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: t, SDP: p.SDP}
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type ICECandidatePayload struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	MeetingID string    `json:"meetingId,omitempty"`
	Candidate Candidate `json:"candidate"`
}

func (p ICECandidatePayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("ice-candidate missing to")
	}
	if p.Candidate.Candidate == "" {
		return fmt.Errorf("ice-candidate missing candidate")
	}
	return nil
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p ErrorPayload) Validate() error {
	if p.Code == "" || p.Message == "" {
		return fmt.Errorf("error message missing code/message")
	}
	return nil
}

// Encode wraps payload into an envelope.
func Encode(event string, ackID uint64, payload any) (Envelope, error) {
	env := Envelope{Event: event, AckID: ackID}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// ParseEnvelope decodes a single frame and rejects trailing data.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// Decode unmarshals raw into T and validates it.
func Decode[T Payload](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}

// NormalizeMeetingCode upper-cases and trims user input.
func NormalizeMeetingCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidateMeetingCode(code string) error {
	if !meetingCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid meeting code %q", code)
	}
	return nil
}
