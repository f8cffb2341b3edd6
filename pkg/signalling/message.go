package signalling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// The name of a signalling event. The set of events is closed, see the Event* constants.
type Event string

const (
	// Sent by the relay to a connection as soon as it is accepted
	EventWelcome Event = "welcome"

	EventJoinRoom     Event = "join-room"
	EventLeaveRoom    Event = "leave-room"
	EventStartTalking Event = "start-talking"
	EventStopTalking  Event = "stop-talking"

	EventUserJoined  Event = "user-joined"
	EventUserLeft    Event = "user-left"
	EventUserTalking Event = "user-talking"

	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
)

var (
	errUnknownEvent    = errors.New("unknown event")
	errMissingRoom     = errors.New("missing room")
	errMissingTarget   = errors.New("missing target participant")
	errMissingPayload  = errors.New("missing payload")
	errMissingUserID   = errors.New("missing user id")
	errMissingUserName = errors.New("missing user name")
)

// Message is the single envelope for every signalling event, in both directions.
//
// Event is the tag. Only the fields relevant to that event are populated,
// everything else is left at its zero value and omitted from the wire:
//
//	welcome        UserID
//	join-room      Room, UserName
//	leave-room     Room
//	start-talking  Room
//	stop-talking   Room
//	user-joined    Room, Participants, Version
//	user-left      Room, Participants, Version
//	user-talking   Room, UserID, IsTalking
//	offer          Room, Offer, To (client to relay) or From (relay to client)
//	answer         Room, Answer, To or From
//	ice-candidate  Room, Candidate, To or From
//
// The relay never looks inside Offer, Answer, or Candidate.
type Message struct {
	Event Event  `json:"event"`
	Room  string `json:"room,omitempty"`

	UserName string        `json:"userName,omitempty"`
	UserID   ParticipantID `json:"userId,omitempty"`

	// IsTalking is omitted when false, which decodes back to false.
	IsTalking bool `json:"isTalking,omitempty"`

	Participants []Participant `json:"participants,omitempty"`
	// Membership version of the room when Participants was taken.
	// Clients discard snapshots older than one they have already applied.
	Version uint64 `json:"version,omitempty"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	To   ParticipantID `json:"to,omitempty"`
	From ParticipantID `json:"from,omitempty"`
}

// --------------------------------------------------------------------------------
// Client to relay constructors

func JoinRoom(room string, userName string) Message {
	return Message{Event: EventJoinRoom, Room: room, UserName: userName}
}

func LeaveRoom(room string) Message {
	return Message{Event: EventLeaveRoom, Room: room}
}

func StartTalking(room string) Message {
	return Message{Event: EventStartTalking, Room: room}
}

func StopTalking(room string) Message {
	return Message{Event: EventStopTalking, Room: room}
}

func Offer(room string, to ParticipantID, offer webrtc.SessionDescription) Message {
	return Message{Event: EventOffer, Room: room, To: to, Offer: &offer}
}

func Answer(room string, to ParticipantID, answer webrtc.SessionDescription) Message {
	return Message{Event: EventAnswer, Room: room, To: to, Answer: &answer}
}

func ICECandidate(room string, to ParticipantID, candidate webrtc.ICECandidateInit) Message {
	return Message{Event: EventICECandidate, Room: room, To: to, Candidate: &candidate}
}

// --------------------------------------------------------------------------------
// Relay to client constructors

func Welcome(id ParticipantID) Message {
	return Message{Event: EventWelcome, UserID: id}
}

func UserJoined(room string, participants []Participant, version uint64) Message {
	return Message{Event: EventUserJoined, Room: room, Participants: participants, Version: version}
}

func UserLeft(room string, participants []Participant, version uint64) Message {
	return Message{Event: EventUserLeft, Room: room, Participants: participants, Version: version}
}

func UserTalking(room string, id ParticipantID, isTalking bool) Message {
	return Message{Event: EventUserTalking, Room: room, UserID: id, IsTalking: isTalking}
}

// Rewrite a client's handshake message into the form delivered to its target:
// the target is dropped and the sender is stamped as From.
// The payload is passed through untouched.
func (msg Message) Forwarded(from ParticipantID) Message {
	msg.To = ""
	msg.From = from
	return msg
}

// Check that a message received from a client carries the fields its event needs.
// Relay-originated events are rejected, a client has no business sending them.
func (msg Message) ValidateInbound() error {
	switch msg.Event {
	case EventJoinRoom:
		if msg.Room == "" {
			return errMissingRoom
		}
		if msg.UserName == "" {
			return errMissingUserName
		}
	case EventLeaveRoom, EventStartTalking, EventStopTalking:
		if msg.Room == "" {
			return errMissingRoom
		}
	case EventOffer, EventAnswer, EventICECandidate:
		if msg.Room == "" {
			return errMissingRoom
		}
		if msg.To == "" {
			return errMissingTarget
		}
		if (msg.Event == EventOffer && msg.Offer == nil) ||
			(msg.Event == EventAnswer && msg.Answer == nil) ||
			(msg.Event == EventICECandidate && msg.Candidate == nil) {
			return errMissingPayload
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, msg.Event)
	}
	return nil
}

// Check that a message received from the relay carries the fields its event needs.
func (msg Message) ValidateOutbound() error {
	switch msg.Event {
	case EventWelcome:
		if msg.UserID == "" {
			return errMissingUserID
		}
	case EventUserJoined, EventUserLeft:
		if msg.Room == "" {
			return errMissingRoom
		}
	case EventUserTalking:
		if msg.UserID == "" {
			return errMissingUserID
		}
	case EventOffer, EventAnswer, EventICECandidate:
		if msg.From == "" {
			return errMissingUserID
		}
		if (msg.Event == EventOffer && msg.Offer == nil) ||
			(msg.Event == EventAnswer && msg.Answer == nil) ||
			(msg.Event == EventICECandidate && msg.Candidate == nil) {
			return errMissingPayload
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, msg.Event)
	}
	return nil
}
