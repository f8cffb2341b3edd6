// Package session is the participant side of a walkie-talkie room: it joins
// a room through the relay, keeps the membership view, and builds and tears
// down the peer mesh as the push-to-talk button is pressed and released.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/capture"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/networking"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/peer"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

var (
	// Dialing the relay failed, or an established relay connection was lost
	ErrRelayUnreachable = errors.New("relay unreachable")

	// A lifecycle call was made in a state that does not allow it
	ErrInvalidState = errors.New("invalid client state")

	errMissingRoom     = errors.New("room must not be empty")
	errMissingName     = errors.New("name must not be empty")
	errExpectedWelcome = errors.New("expected welcome from relay")
)

const (
	defaultTimeout = 30 * time.Second
	updateBuffer   = 64
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// The membership view of a joined session, as the local participant sees it.
type View struct {
	Room    string
	Self    signalling.ParticipantID
	Members []signalling.Participant
	Talking bool

	// Handshake state of every open PeerLink, by remote
	Peers map[signalling.ParticipantID]peer.State
}

// The remote participants of the view, in join order.
func (v View) Others() []signalling.ParticipantID {
	others := make([]signalling.ParticipantID, 0, len(v.Members))
	for _, member := range v.Members {
		if member.ID != v.Self {
			others = append(others, member.ID)
		}
	}
	return others
}

// A change the UI should reflect. Err is set when the change was caused by a failure.
type Update struct {
	State State
	View  View
	Err   error
}

// Builds the peer connection factory of one session, sending audio from the session's transmitter.
type ConnectionFactoryFunc func(transmitter *networking.Transmitter) (peer.ConnectionFactory, error)

type Config struct {
	RelayURL string

	// Websocket subprotocol to request, see signalling.SupportedProtocols
	Protocol string

	// Audio codec of every peer connection
	Codec webrtc.RTPCodecParameters

	Constraints capture.Constraints

	// Bounds dialing the relay and waiting for its welcome
	Timeout time.Duration
}

// A Client is one participant's handle on the walkie-talkie.
//
// Lifecycle methods may be called from any goroutine. The state of a joined
// session is owned by the session's event loop, every call is handed to it.
type Client struct {
	logger *slog.Logger
	config Config

	capturer    capture.Capturer
	connections ConnectionFactoryFunc
	dialer      *websocket.Dialer

	stateMutex sync.Mutex
	state      State
	session    *Session

	updates chan Update
}

// Create a new Client. Nothing is acquired until Join.
//
// If no logger is given, slog.Default() is used.
func NewClient(config Config, capturer capture.Capturer, connections ConnectionFactoryFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.Constraints == (capture.Constraints{}) {
		config.Constraints = capture.DefaultConstraints()
	}

	var subprotocols []string
	if config.Protocol != "" {
		subprotocols = []string{config.Protocol}
	}

	return &Client{
		logger:      logger,
		config:      config,
		capturer:    capturer,
		connections: connections,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.Timeout,
			Subprotocols:     subprotocols,
		},
		updates: make(chan Update, updateBuffer),
	}
}

// Changes of state, membership and talking, for the UI.
//
// Updates are dropped rather than block the client when nobody keeps up with the channel.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

func (c *Client) State() State {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.state
}

// The current view of the joined session. Reports false when not joined.
func (c *Client) View() (View, bool) {
	c.stateMutex.Lock()
	session := c.session
	c.stateMutex.Unlock()

	if session == nil {
		return View{}, false
	}
	var view View
	if !session.do(func() { view = session.view() }) {
		return View{}, false
	}
	return view, true
}

func (c *Client) publish(update Update) {
	select {
	case c.updates <- update:
	default:
		c.logger.Debug("update dropped, nobody is listening", "state", update.State)
	}
}

// Must hold stateMutex
func (c *Client) setStateLocked(state State, err error) {
	c.logger.Debug("client state change", "from", c.state, "to", state)
	c.state = state
	c.publish(Update{State: state, Err: err})
}

// --------------------------------------------------------------------------------
// LIFECYCLE

// Join room under the given display name.
//
// Capture is acquired before the relay is contacted: if it is denied, Join
// returns an error wrapping capture.ErrCaptureDenied and the relay never
// hears of this participant. If the relay cannot be reached, capture is
// released again and the error wraps ErrRelayUnreachable.
func (c *Client) Join(ctx context.Context, room string, name string) error {
	if room == "" {
		return errMissingRoom
	}
	if name == "" {
		return errMissingName
	}

	c.stateMutex.Lock()
	if c.state != StateIdle {
		state := c.state
		c.stateMutex.Unlock()
		return fmt.Errorf("%w: join while %s", ErrInvalidState, state)
	}
	c.setStateLocked(StateJoining, nil)
	c.stateMutex.Unlock()

	session, err := c.open(ctx, room, name)

	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if err != nil {
		c.logger.Warn("join failed", "room", room, "err", err)
		c.setStateLocked(StateIdle, err)
		return err
	}
	c.session = session
	c.setStateLocked(StateJoined, nil)
	session.start()
	return nil
}

// Acquire capture, build the media pipeline, then connect to the relay and join room.
func (c *Client) open(ctx context.Context, room string, name string) (*Session, error) {
	source, err := c.capturer.Acquire(ctx, c.config.Constraints)
	if err != nil {
		if !errors.Is(err, capture.ErrCaptureDenied) {
			err = fmt.Errorf("%w: %w", capture.ErrCaptureDenied, err)
		}
		return nil, err
	}

	transmitter, err := networking.NewTransmitter(c.config.Codec.RTPCodecCapability, c.logger)
	if err != nil {
		source.Close()
		return nil, err
	}
	if err := transmitter.Start(source); err != nil {
		source.Close()
		return nil, err
	}
	factory, err := c.connections(transmitter)
	if err != nil {
		source.Close()
		return nil, err
	}

	conn, codec, self, err := c.dial(ctx)
	if err != nil {
		source.Close()
		return nil, err
	}

	logger := c.logger.With("selfID", self, "room", room)
	session := newSession(self, room, conn, codec, source, transmitter, logger)
	session.manager = peer.NewManager(self, room, factory, session.postEvent, logger)
	session.onEnded = c.sessionEnded
	session.onView = func(view View) {
		c.publish(Update{State: StateJoined, View: view})
	}

	// Written before the pumps start, nothing else writes yet
	if err := session.writeDirect(signalling.JoinRoom(room, name), c.config.Timeout); err != nil {
		conn.Close()
		source.Close()
		return nil, fmt.Errorf("%w: %w", ErrRelayUnreachable, err)
	}
	return session, nil
}

// Dial the relay and wait for the identifier it assigns us.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, signalling.Codec, signalling.ParticipantID, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.config.RelayURL, nil)
	if err != nil {
		c.logger.Error("error while dialing relay", "relayURL", c.config.RelayURL, "err", err)
		return nil, nil, "", fmt.Errorf("%w: %w", ErrRelayUnreachable, err)
	}

	codec, err := signalling.CodecForProtocol(conn.Subprotocol())
	if err != nil {
		conn.Close()
		return nil, nil, "", fmt.Errorf("%w: %w", ErrRelayUnreachable, err)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := dialCtx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, nil, "", fmt.Errorf("%w: %w", ErrRelayUnreachable, err)
	}
	var welcome signalling.Message
	if err := codec.Unmarshal(data, &welcome); err != nil || welcome.Event != signalling.EventWelcome || welcome.UserID == "" {
		conn.Close()
		return nil, nil, "", fmt.Errorf("%w: %w", ErrRelayUnreachable, errExpectedWelcome)
	}
	conn.SetReadDeadline(time.Time{})

	c.logger.Info("connected to relay", "relayURL", c.config.RelayURL, "selfID", welcome.UserID, "protocol", codec.Protocol())
	return conn, codec, welcome.UserID, nil
}

// Open the push-to-talk gate, announce it, and offer a link to every other member.
func (c *Client) StartTalking() error {
	return c.joinedDo("start talking", func(s *Session) { s.startTalking() })
}

// Close the push-to-talk gate, announce it, and close links to everyone not talking.
func (c *Client) StopTalking() error {
	return c.joinedDo("stop talking", func(s *Session) { s.stopTalking() })
}

func (c *Client) joinedDo(what string, fn func(s *Session)) error {
	c.stateMutex.Lock()
	state, session := c.state, c.session
	c.stateMutex.Unlock()

	if state != StateJoined || session == nil {
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, what, state)
	}
	if !session.do(func() { fn(session) }) {
		return fmt.Errorf("%w: %s while session is ending", ErrInvalidState, what)
	}
	return nil
}

// Leave the room.
//
// Local resources go first: capture is stopped and every PeerLink closed before
// leave-room is sent, best effort, and the relay connection closed.
// Leave returns once all of it is done and the client is Idle again.
func (c *Client) Leave() error {
	c.stateMutex.Lock()
	if c.state != StateJoined {
		state := c.state
		c.stateMutex.Unlock()
		return fmt.Errorf("%w: leave while %s", ErrInvalidState, state)
	}
	session := c.session
	c.setStateLocked(StateLeaving, nil)
	c.stateMutex.Unlock()

	session.leave()

	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	c.session = nil
	c.setStateLocked(StateIdle, nil)
	return nil
}

// Called by a session's event loop once it has torn itself down.
// Only a lost connection needs handling here, Leave finishes its own teardown.
func (c *Client) sessionEnded(session *Session, err error) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.session != session || c.state != StateJoined {
		return
	}
	c.logger.Warn("connection to relay lost", "err", err)
	c.session = nil
	c.setStateLocked(StateIdle, err)
}
