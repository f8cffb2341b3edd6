package peer

import (
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/pion/webrtc/v4"
)

// The transport underneath a PeerLink, normally a *webrtc.PeerConnection
// with the local audio track already attached.
//
// Connections are not safe for concurrent use, they are driven from the session's event loop.
type Connection interface {
	// Create an offer and set it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)

	// Set the remote offer, then create an answer and set it as the local description.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

	// Set the remote answer to a previously created offer.
	SetAnswer(answer webrtc.SessionDescription) error

	AddICECandidate(candidate webrtc.ICECandidateInit) error

	Close() error
}

// Callbacks a Connection invokes as its transport makes progress.
//
// Callbacks arrive on transport goroutines and must not touch the PeerLink directly.
type ConnectionHandlers struct {
	OnICECandidate          func(candidate webrtc.ICECandidateInit)
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

// Creates the Connection for a link to a remote participant.
type ConnectionFactory interface {
	NewConnection(remote signalling.ParticipantID, handlers ConnectionHandlers) (Connection, error)
}
