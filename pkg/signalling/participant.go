package signalling

import "github.com/google/uuid"

// The identifier of a participant, assigned by the relay when a connection is accepted.
//
// Identifiers are unique per connection. A client reconnecting to the relay
// is given a fresh identifier, so an identifier never outlives the connection it names.
type ParticipantID string

// Generate a fresh, random ParticipantID.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func (id ParticipantID) String() string {
	return string(id)
}

// A member of a room, as seen in membership broadcasts.
//
// Name is supplied by the client and is not validated; two participants may share a name.
type Participant struct {
	ID        ParticipantID `json:"id"`
	Name      string        `json:"name"`
	IsTalking bool          `json:"isTalking"`
}
