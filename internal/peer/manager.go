package peer

import (
	"log/slog"
	"slices"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/pion/webrtc/v4"
)

// A transport callback from one of the Manager's links, to be handed back
// to Manager.HandleEvent on the goroutine that owns the Manager.
//
// Exactly one of Candidate or State is meaningful. State is
// webrtc.PeerConnectionStateUnknown for candidate events.
type Event struct {
	Remote signalling.ParticipantID
	LinkID uint64

	Candidate *webrtc.ICECandidateInit
	State     webrtc.PeerConnectionState
}

// Manager holds the peer map of a joined session: at most one PeerLink per remote participant.
//
// Handlers take the inbound signalling message (or transport event) and
// return the signalling messages to send in response, in order.
// Nothing is sent by the Manager itself.
//
// A Manager is not safe for concurrent use. Transport callbacks are funnelled
// through the emit function given to NewManager, which must hand them back to
// HandleEvent on the owning goroutine.
type Manager struct {
	logger  *slog.Logger
	self    signalling.ParticipantID
	room    string
	factory ConnectionFactory
	emit    func(Event)

	links      map[signalling.ParticipantID]*PeerLink
	lastLinkID uint64
}

// Create a new Manager for the participant self in room.
//
// If no logger is given, slog.Default() is used.
func NewManager(
	self signalling.ParticipantID,
	room string,
	factory ConnectionFactory,
	emit func(Event),
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(Event) {}
	}

	return &Manager{
		logger:  logger.With("selfID", self, "room", room),
		self:    self,
		room:    room,
		factory: factory,
		emit:    emit,
		links:   make(map[signalling.ParticipantID]*PeerLink),
	}
}

// --------------------------------------------------------------------------------
// PEER MAP

func (manager *Manager) Link(remote signalling.ParticipantID) (*PeerLink, bool) {
	link, ok := manager.links[remote]
	return link, ok
}

func (manager *Manager) Len() int {
	return len(manager.links)
}

// Remote participants with a link, in a stable order.
func (manager *Manager) Remotes() []signalling.ParticipantID {
	remotes := make([]signalling.ParticipantID, 0, len(manager.links))
	for remote := range manager.links {
		remotes = append(remotes, remote)
	}
	slices.Sort(remotes)
	return remotes
}

// Create a link and its connection, wiring the connection's callbacks to emit.
func (manager *Manager) newLink(remote signalling.ParticipantID, role Role) (*PeerLink, error) {
	manager.lastLinkID += 1
	id := manager.lastLinkID

	connection, err := manager.factory.NewConnection(remote, ConnectionHandlers{
		OnICECandidate: func(candidate webrtc.ICECandidateInit) {
			manager.emit(Event{Remote: remote, LinkID: id, Candidate: &candidate})
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			manager.emit(Event{Remote: remote, LinkID: id, State: state})
		},
	})
	if err != nil {
		manager.logger.Error("error while creating connection", "remoteID", remote, "err", err)
		return nil, err
	}

	link := newPeerLink(id, remote, role, connection, manager.logger)
	manager.links[remote] = link
	return link, nil
}

// Close the link to remote, if any, and remove it from the peer map.
func (manager *Manager) Close(remote signalling.ParticipantID) bool {
	link, ok := manager.links[remote]
	if !ok {
		return false
	}
	delete(manager.links, remote)
	link.Close()
	return true
}

// Close every link whose remote matches.
func (manager *Manager) CloseWhere(match func(remote signalling.ParticipantID) bool) []signalling.ParticipantID {
	var closed []signalling.ParticipantID
	for _, remote := range manager.Remotes() {
		if match(remote) {
			manager.Close(remote)
			closed = append(closed, remote)
		}
	}
	return closed
}

func (manager *Manager) CloseAll() {
	manager.CloseWhere(func(signalling.ParticipantID) bool { return true })
}

// --------------------------------------------------------------------------------
// HANDSHAKE

// Offer a link to every given remote that does not already have one.
// Self is never offered to.
func (manager *Manager) OfferAll(remotes []signalling.ParticipantID) []signalling.Message {
	var outbound []signalling.Message
	for _, remote := range remotes {
		outbound = append(outbound, manager.Offer(remote)...)
	}
	return outbound
}

// Offer a link to remote, unless one already exists.
func (manager *Manager) Offer(remote signalling.ParticipantID) []signalling.Message {
	if remote == manager.self {
		return nil
	}
	if _, ok := manager.links[remote]; ok {
		return nil
	}

	link, err := manager.newLink(remote, RoleOfferer)
	if err != nil {
		return nil
	}
	offer, err := link.StartOffer()
	if err != nil {
		manager.Close(remote)
		return nil
	}
	return []signalling.Message{signalling.Offer(manager.room, remote, offer)}
}

// Answer an offer from a remote.
//
// If our own offer to the same remote is outstanding (glare), the participant
// with the smaller identifier keeps its offer and the other answers.
// Any other existing link to the remote is replaced.
func (manager *Manager) HandleOffer(from signalling.ParticipantID, offer webrtc.SessionDescription) []signalling.Message {
	if from == manager.self {
		return nil
	}

	if existing, ok := manager.links[from]; ok {
		if existing.State() == StateOfferSent && manager.self < from {
			manager.logger.Debug("glare, keeping own offer", "remoteID", from)
			return nil
		}
		manager.logger.Debug("replacing existing link", "remoteID", from, "state", existing.State())
		manager.Close(from)
	}

	link, err := manager.newLink(from, RoleAnswerer)
	if err != nil {
		return nil
	}
	answer, err := link.AcceptOffer(offer)
	if err != nil {
		manager.Close(from)
		return nil
	}
	return []signalling.Message{signalling.Answer(manager.room, from, answer)}
}

// Apply an answer from a remote. An answer no link is waiting for is a no-op.
func (manager *Manager) HandleAnswer(from signalling.ParticipantID, answer webrtc.SessionDescription) {
	link, ok := manager.links[from]
	if !ok {
		manager.logger.Debug("answer without link ignored", "remoteID", from)
		return
	}
	if _, err := link.ApplyAnswer(answer); err != nil {
		manager.Close(from)
	}
}

// Apply a remote candidate. Candidates for a remote without a link are dropped.
func (manager *Manager) HandleCandidate(from signalling.ParticipantID, candidate webrtc.ICECandidateInit) {
	link, ok := manager.links[from]
	if !ok {
		manager.logger.Debug("candidate without link dropped", "remoteID", from)
		return
	}
	if err := link.AddRemoteCandidate(candidate); err != nil {
		manager.logger.Debug("error while adding remote candidate", "remoteID", from, "err", err)
	}
}

// Handle a transport callback emitted by one of this Manager's links.
// Events from links that have since been closed or replaced are ignored.
func (manager *Manager) HandleEvent(event Event) []signalling.Message {
	link, ok := manager.links[event.Remote]
	if !ok || link.ID() != event.LinkID {
		return nil
	}

	if event.Candidate != nil {
		return []signalling.Message{signalling.ICECandidate(manager.room, event.Remote, *event.Candidate)}
	}

	switch event.State {
	case webrtc.PeerConnectionStateConnected:
		link.logger.Info("peer connection connected")
		link.MarkConnected()
	case webrtc.PeerConnectionStateDisconnected:
		// May recover on its own, failed is final
		link.logger.Info("peer connection disconnected")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		link.logger.Info("peer connection ended", "state", event.State.String())
		manager.Close(event.Remote)
	}
	return nil
}
