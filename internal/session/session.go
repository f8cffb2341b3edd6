package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/networking"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/peer"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the relay.
	writeWait = 10 * time.Second

	// The relay pings well within this period, see relay.Server.
	pongWait = 60 * time.Second

	maxMessageSize = 64 * 1024

	sendBuffer  = 64
	eventBuffer = 64
)

// A unit of work run on the event loop.
type command struct {
	fn   func()
	done chan struct{}
}

// Session owns everything a joined participant holds: the capture stream, the
// relay connection, the membership view, and the peer map.
//
// All of it is touched only by the event loop goroutine. Relay messages, transport
// events and lifecycle calls are funnelled into the loop, and the loop alone sends.
type Session struct {
	logger *slog.Logger

	self  signalling.ParticipantID
	room  string
	conn  *websocket.Conn
	codec signalling.Codec

	source      audiodevice.AudioSourceDevice
	transmitter *networking.Transmitter
	manager     *peer.Manager

	members []signalling.Participant
	version uint64
	talking bool

	incoming chan signalling.Message
	events   chan peer.Event
	commands chan command
	send     chan signalling.Message

	writerDone chan struct{}
	done       chan struct{}
	stopping   bool

	onEnded func(session *Session, err error)
	onView  func(view View)

	teardownOnce sync.Once
}

func newSession(
	self signalling.ParticipantID,
	room string,
	conn *websocket.Conn,
	codec signalling.Codec,
	source audiodevice.AudioSourceDevice,
	transmitter *networking.Transmitter,
	logger *slog.Logger,
) *Session {
	return &Session{
		logger:      logger,
		self:        self,
		room:        room,
		conn:        conn,
		codec:       codec,
		source:      source,
		transmitter: transmitter,
		incoming:    make(chan signalling.Message),
		events:      make(chan peer.Event, eventBuffer),
		commands:    make(chan command),
		send:        make(chan signalling.Message, sendBuffer),
		writerDone:  make(chan struct{}),
		done:        make(chan struct{}),
		onEnded:     func(*Session, error) {},
		onView:      func(View) {},
	}
}

func (s *Session) start() {
	go s.writePump()
	go s.readPump()
	go s.run()
}

func (s *Session) messageType() int {
	if s.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Write a message straight to the connection. Only valid before start.
func (s *Session) writeDirect(msg signalling.Message, timeout time.Duration) error {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteMessage(s.messageType(), data)
}

// --------------------------------------------------------------------------------
// EVENT LOOP

// Run fn on the event loop and wait for it.
// Reports false if the loop had already ended.
func (s *Session) do(fn func()) bool {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return false
	}
	<-cmd.done
	return true
}

// Hand a transport callback to the event loop.
func (s *Session) postEvent(event peer.Event) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}

// End the session on the event loop and wait for the teardown to finish.
func (s *Session) leave() {
	s.do(func() {
		s.teardown(true)
		s.stopping = true
	})
	<-s.done
}

func (s *Session) run() {
	var endErr error
	defer func() {
		close(s.done)
		s.onEnded(s, endErr)
	}()

	for {
		select {
		case msg, ok := <-s.incoming:
			if !ok {
				endErr = fmt.Errorf("%w: connection lost", ErrRelayUnreachable)
				s.teardown(false)
				return
			}
			s.handleMessage(msg)

		case event := <-s.events:
			s.enqueue(s.manager.HandleEvent(event)...)
			s.publishView()

		case cmd := <-s.commands:
			cmd.fn()
			close(cmd.done)
			if s.stopping {
				return
			}
		}
	}
}

// Release everything, local resources first.
// sayGoodbye sends leave-room before the connection is closed.
func (s *Session) teardown(sayGoodbye bool) {
	s.teardownOnce.Do(func() {
		s.logger.Debug("tearing down session", "leaveRoom", sayGoodbye)

		s.talking = false
		s.transmitter.SetTalking(false)
		s.source.Close()
		s.manager.CloseAll()

		if sayGoodbye {
			s.enqueue(signalling.LeaveRoom(s.room))
		}
		// The writer flushes what is queued, then closes the connection
		close(s.send)
		<-s.writerDone
	})
}

// Queue messages for the relay. Messages queued after the writer has stopped are dropped.
func (s *Session) enqueue(messages ...signalling.Message) {
	for _, msg := range messages {
		select {
		case s.send <- msg:
		case <-s.writerDone:
			s.logger.Debug("relay writer stopped, message dropped", "event", msg.Event)
			return
		}
	}
}

// --------------------------------------------------------------------------------
// RELAY MESSAGES

func (s *Session) handleMessage(msg signalling.Message) {
	if err := msg.ValidateOutbound(); err != nil {
		s.logger.Debug("invalid message from relay dropped", "event", msg.Event, "err", err)
		return
	}
	if msg.Event != signalling.EventWelcome && msg.Room != "" && msg.Room != s.room {
		s.logger.Debug("message for another room dropped", "event", msg.Event, "msgRoom", msg.Room)
		return
	}

	switch msg.Event {
	case signalling.EventUserJoined, signalling.EventUserLeft:
		s.applyMembership(msg.Participants, msg.Version)
	case signalling.EventUserTalking:
		s.applyTalking(msg.UserID, msg.IsTalking)
	case signalling.EventOffer:
		s.enqueue(s.manager.HandleOffer(msg.From, *msg.Offer)...)
	case signalling.EventAnswer:
		s.manager.HandleAnswer(msg.From, *msg.Answer)
	case signalling.EventICECandidate:
		s.manager.HandleCandidate(msg.From, *msg.Candidate)
	case signalling.EventWelcome:
		return
	}
	s.publishView()
}

// Apply a membership snapshot, unless a newer one has already been applied.
// Links to participants no longer present are closed.
func (s *Session) applyMembership(participants []signalling.Participant, version uint64) {
	if version != 0 && version < s.version {
		s.logger.Debug("stale membership dropped", "version", version, "applied", s.version)
		return
	}
	s.version = version
	s.members = slices.Clone(participants)

	closed := s.manager.CloseWhere(func(remote signalling.ParticipantID) bool {
		return s.member(remote) == nil
	})
	for _, remote := range closed {
		s.logger.Info("closed link to departed participant", "remoteID", remote)
	}
}

func (s *Session) applyTalking(id signalling.ParticipantID, isTalking bool) {
	if member := s.member(id); member != nil {
		member.IsTalking = isTalking
	}
	if !isTalking && !s.talking && s.manager.Close(id) {
		s.logger.Info("remote stopped talking, link closed", "remoteID", id)
	}
}

func (s *Session) member(id signalling.ParticipantID) *signalling.Participant {
	i := slices.IndexFunc(s.members, func(p signalling.Participant) bool { return p.ID == id })
	if i < 0 {
		return nil
	}
	return &s.members[i]
}

// --------------------------------------------------------------------------------
// TALKING

func (s *Session) startTalking() {
	if s.talking {
		return
	}
	s.talking = true
	s.transmitter.SetTalking(true)
	if self := s.member(s.self); self != nil {
		self.IsTalking = true
	}

	s.enqueue(signalling.StartTalking(s.room))
	s.enqueue(s.manager.OfferAll(s.view().Others())...)
	s.publishView()
}

func (s *Session) stopTalking() {
	if !s.talking {
		return
	}
	s.talking = false
	s.transmitter.SetTalking(false)
	if self := s.member(s.self); self != nil {
		self.IsTalking = false
	}

	s.enqueue(signalling.StopTalking(s.room))
	s.manager.CloseWhere(func(remote signalling.ParticipantID) bool {
		member := s.member(remote)
		return member == nil || !member.IsTalking
	})
	s.publishView()
}

// --------------------------------------------------------------------------------

func (s *Session) view() View {
	peers := make(map[signalling.ParticipantID]peer.State, s.manager.Len())
	for _, remote := range s.manager.Remotes() {
		if link, ok := s.manager.Link(remote); ok {
			peers[remote] = link.State()
		}
	}
	return View{
		Room:    s.room,
		Self:    s.self,
		Members: slices.Clone(s.members),
		Talking: s.talking,
		Peers:   peers,
	}
}

func (s *Session) publishView() {
	s.onView(s.view())
}

// --------------------------------------------------------------------------------
// PUMPS

// readPump pumps messages from the relay connection to the event loop.
// The incoming channel is closed when the connection ends.
func (s *Session) readPump() {
	defer close(s.incoming)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("unexpected close", "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg signalling.Message
		if err := s.codec.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("undecodable message dropped", "err", err)
			continue
		}

		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}
	}
}

// writePump pumps queued messages to the relay connection.
// It closes the connection once the queue is closed or a write fails.
func (s *Session) writePump() {
	defer func() {
		s.conn.Close()
		close(s.writerDone)
	}()

	messageType := s.messageType()
	for msg := range s.send {
		data, err := s.codec.Marshal(msg)
		if err != nil {
			s.logger.Error("error while encoding message", "err", err, "event", msg.Event)
			continue
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(messageType, data); err != nil {
			s.logger.Debug("error while writing message", "err", err)
			return
		}
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
