package relay

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
)

// A message the relay wants delivered to a single participant.
type Delivery struct {
	To      signalling.ParticipantID
	Message signalling.Message
}

// Relay-side state of one accepted connection.
//
// room is only touched by Handle and Disconnect for this connection,
// which the transport calls from the connection's single reader goroutine.
type connection struct {
	id   signalling.ParticipantID
	room string
}

// Relay routes signalling messages between participants of the same room.
//
// The Relay knows nothing about sockets. Each operation returns the deliveries
// it produced. A transport that attaches a sink (see Server) is handed the same
// deliveries as they are produced, room broadcasts while the room's lock is held,
// so members see a room's changes in the order they were made.
// No media and no handshake payload is ever inspected.
//
// Messages that fail a precondition (unknown room, unknown target, sender not a member)
// are dropped without any error reaching the sender. The relay is best effort.
type Relay struct {
	logger   *slog.Logger
	registry *Registry

	// Set once before any connection is handled
	sink func(deliveries []Delivery)

	connectionsMutex sync.RWMutex
	connections      map[signalling.ParticipantID]*connection
}

// Create a new Relay over the given registry.
//
// If no logger is given, slog.Default() is used.
func NewRelay(registry *Registry, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}

	return &Relay{
		logger:      logger,
		registry:    registry,
		connections: make(map[signalling.ParticipantID]*connection),
	}
}

func (relay *Relay) Registry() *Registry {
	return relay.registry
}

// Hand every future delivery to sink. sink must not block.
func (relay *Relay) attach(sink func(deliveries []Delivery)) {
	relay.sink = sink
}

func (relay *Relay) emit(deliveries []Delivery) []Delivery {
	if relay.sink != nil && len(deliveries) > 0 {
		relay.sink(deliveries)
	}
	return deliveries
}

// Accept a new connection, assigning it a fresh participant identifier.
func (relay *Relay) Connect() signalling.ParticipantID {
	id := signalling.NewParticipantID()

	relay.connectionsMutex.Lock()
	relay.connections[id] = &connection{id: id}
	relay.connectionsMutex.Unlock()

	relay.logger.Debug("connection accepted", "participantID", id)
	return id
}

func (relay *Relay) connection(id signalling.ParticipantID) *connection {
	relay.connectionsMutex.RLock()
	defer relay.connectionsMutex.RUnlock()
	return relay.connections[id]
}

// Number of currently accepted connections, in a room or not.
func (relay *Relay) ConnectionCount() int {
	relay.connectionsMutex.RLock()
	defer relay.connectionsMutex.RUnlock()
	return len(relay.connections)
}

// Handle one message from a connection and return the resulting deliveries.
func (relay *Relay) Handle(from signalling.ParticipantID, msg signalling.Message) []Delivery {
	conn := relay.connection(from)
	if conn == nil {
		relay.logger.Debug("message from unknown connection dropped", "participantID", from, "event", msg.Event)
		return nil
	}

	logger := relay.logger.With(
		"participantID", from,
		"event", msg.Event,
		"room", msg.Room,
	)
	if err := msg.ValidateInbound(); err != nil {
		logger.Debug("invalid message dropped", "err", err)
		return nil
	}

	switch msg.Event {
	case signalling.EventJoinRoom:
		return relay.handleJoin(logger, conn, msg)
	case signalling.EventLeaveRoom:
		return relay.handleLeave(logger, conn, msg.Room)
	case signalling.EventStartTalking:
		return relay.handleTalking(logger, conn, msg.Room, true)
	case signalling.EventStopTalking:
		return relay.handleTalking(logger, conn, msg.Room, false)
	case signalling.EventOffer, signalling.EventAnswer, signalling.EventICECandidate:
		return relay.handleForward(logger, conn, msg)
	}
	return nil
}

// Drop a connection, removing it from any room it occupied.
func (relay *Relay) Disconnect(id signalling.ParticipantID) []Delivery {
	relay.connectionsMutex.Lock()
	conn, ok := relay.connections[id]
	delete(relay.connections, id)
	relay.connectionsMutex.Unlock()

	if !ok {
		return nil
	}
	relay.logger.Debug("connection dropped", "participantID", id, "room", conn.room)

	if conn.room == "" {
		return nil
	}
	return relay.handleLeave(relay.logger.With("participantID", id), conn, conn.room)
}

// --------------------------------------------------------------------------------
// HANDLERS

func (relay *Relay) handleJoin(logger *slog.Logger, conn *connection, msg signalling.Message) []Delivery {
	if conn.room != "" {
		logger.Debug("join dropped, connection already in a room", "currentRoom", conn.room)
		return nil
	}

	var deliveries []Delivery
	snapshot := relay.registry.Join(msg.Room, signalling.Participant{
		ID:   conn.id,
		Name: msg.UserName,
	}, func(snapshot Snapshot) {
		broadcast := signalling.UserJoined(snapshot.Room, snapshot.Participants, snapshot.Version)
		deliveries = relay.emit(fanOut(snapshot.IDs(), broadcast))
	})
	conn.room = msg.Room
	logger.Info("participant joined room", "name", msg.UserName, "members", len(snapshot.Participants))
	return deliveries
}

func (relay *Relay) handleLeave(logger *slog.Logger, conn *connection, roomID string) []Delivery {
	if conn.room != roomID {
		logger.Debug("leave dropped, connection not in room", "currentRoom", conn.room)
		return nil
	}
	conn.room = ""

	var deliveries []Delivery
	snapshot, ok := relay.registry.Leave(roomID, conn.id, func(snapshot Snapshot) {
		broadcast := signalling.UserLeft(snapshot.Room, snapshot.Participants, snapshot.Version)
		deliveries = relay.emit(fanOut(snapshot.IDs(), broadcast))
	})
	if !ok {
		return nil
	}
	logger.Info("participant left room", "room", roomID, "members", len(snapshot.Participants))
	return deliveries
}

func (relay *Relay) handleTalking(logger *slog.Logger, conn *connection, roomID string, isTalking bool) []Delivery {
	if conn.room != roomID {
		logger.Debug("talk state dropped, connection not in room", "currentRoom", conn.room)
		return nil
	}

	var deliveries []Delivery
	_, ok := relay.registry.SetTalking(roomID, conn.id, isTalking, func(snapshot Snapshot) {
		others := slices.DeleteFunc(snapshot.IDs(), func(id signalling.ParticipantID) bool { return id == conn.id })
		deliveries = relay.emit(fanOut(others, signalling.UserTalking(roomID, conn.id, isTalking)))
	})
	if !ok {
		return nil
	}
	logger.Debug("talk state changed", "isTalking", isTalking)
	return deliveries
}

func (relay *Relay) handleForward(logger *slog.Logger, conn *connection, msg signalling.Message) []Delivery {
	if conn.room != msg.Room {
		logger.Debug("handshake message dropped, sender not in room", "currentRoom", conn.room)
		return nil
	}
	if msg.To == conn.id || !relay.registry.Contains(msg.Room, msg.To) {
		logger.Debug("handshake message dropped, no such target in room", "to", msg.To)
		return nil
	}

	return relay.emit([]Delivery{{To: msg.To, Message: msg.Forwarded(conn.id)}})
}

func fanOut(to []signalling.ParticipantID, msg signalling.Message) []Delivery {
	deliveries := make([]Delivery, len(to))
	for i, id := range to {
		deliveries[i] = Delivery{To: id, Message: msg}
	}
	return deliveries
}
