package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidLinkState = errors.New("operation not valid in current link state")
)

type State int

const (
	StateNew State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswered
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// A PeerLink is one direct connection to a remote participant, together with
// the state of the offer/answer handshake that sets it up.
//
// An offerer moves New -> OfferSent -> Connected, becoming Connected as soon as
// the remote answer is applied. An answerer moves New -> OfferReceived -> Answered,
// and becomes Connected once the transport reports it.
// Either may be Closed at any point, after which every operation is a no-op.
//
// Remote candidates that arrive before the remote description is known
// are held back and applied once it is.
//
// A PeerLink is driven from a single goroutine, the session's event loop.
type PeerLink struct {
	logger *slog.Logger

	// Distinguishes this link from earlier links to the same remote,
	// so late transport callbacks from a replaced link can be ignored
	id     uint64
	remote signalling.ParticipantID
	role   Role
	state  State

	connection        Connection
	pendingCandidates []webrtc.ICECandidateInit

	closeOnce sync.Once
}

func newPeerLink(id uint64, remote signalling.ParticipantID, role Role, connection Connection, logger *slog.Logger) *PeerLink {
	return &PeerLink{
		logger: logger.With(
			"remoteID", remote,
			"linkID", id,
			"role", role,
		),
		id:         id,
		remote:     remote,
		role:       role,
		state:      StateNew,
		connection: connection,
	}
}

func (link *PeerLink) ID() uint64 {
	return link.id
}

func (link *PeerLink) Remote() signalling.ParticipantID {
	return link.remote
}

func (link *PeerLink) Role() Role {
	return link.role
}

func (link *PeerLink) State() State {
	return link.state
}

func (link *PeerLink) setState(state State) {
	link.logger.Debug("link state change", "from", link.state, "to", state)
	link.state = state
}

// --------------------------------------------------------------------------------
// HANDSHAKE

// Create the offer for this link. Only valid for a New link.
func (link *PeerLink) StartOffer() (webrtc.SessionDescription, error) {
	if link.state != StateNew {
		return webrtc.SessionDescription{}, ErrInvalidLinkState
	}

	offer, err := link.connection.CreateOffer()
	if err != nil {
		link.logger.Error("error while creating offer", "err", err)
		return webrtc.SessionDescription{}, err
	}
	link.setState(StateOfferSent)
	return offer, nil
}

// Apply a remote offer and create the answer to it. Only valid for a New link.
func (link *PeerLink) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if link.state != StateNew {
		return webrtc.SessionDescription{}, ErrInvalidLinkState
	}
	link.setState(StateOfferReceived)

	answer, err := link.connection.CreateAnswer(offer)
	if err != nil {
		link.logger.Error("error while answering offer", "err", err)
		return webrtc.SessionDescription{}, err
	}
	link.setState(StateAnswered)

	link.flushPendingCandidates()
	return answer, nil
}

// Apply the remote answer to this link's offer.
//
// An answer for a link that is not waiting on one is ignored, reporting false.
func (link *PeerLink) ApplyAnswer(answer webrtc.SessionDescription) (bool, error) {
	if link.state != StateOfferSent {
		link.logger.Debug("unexpected answer ignored", "state", link.state)
		return false, nil
	}

	if err := link.connection.SetAnswer(answer); err != nil {
		link.logger.Error("error while applying answer", "err", err)
		return false, err
	}
	link.setState(StateConnected)

	link.flushPendingCandidates()
	return true, nil
}

// Apply a candidate from the remote side, or hold it back until the remote description is set.
func (link *PeerLink) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	switch link.state {
	case StateClosed:
		return nil
	case StateNew, StateOfferSent, StateOfferReceived:
		link.pendingCandidates = append(link.pendingCandidates, candidate)
		return nil
	}
	return link.connection.AddICECandidate(candidate)
}

func (link *PeerLink) flushPendingCandidates() {
	for _, candidate := range link.pendingCandidates {
		if err := link.connection.AddICECandidate(candidate); err != nil {
			link.logger.Debug("error while applying held candidate", "err", err)
		}
	}
	link.pendingCandidates = nil
}

// Record that the transport has connected.
// Only moves an answerer from Answered, an offerer is already Connected.
func (link *PeerLink) MarkConnected() {
	if link.state == StateAnswered {
		link.setState(StateConnected)
	}
}

// Close the link and its transport. Closing more than once is harmless.
func (link *PeerLink) Close() {
	link.closeOnce.Do(func() {
		link.setState(StateClosed)
		link.pendingCandidates = nil
		if err := link.connection.Close(); err != nil {
			link.logger.Debug("error while closing connection", "err", err)
		}
	})
}
