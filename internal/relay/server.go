package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP with a handful of candidates fits comfortably.
	maxMessageSize = 64 * 1024

	defaultSendBuffer = 64
)

type ServerConfig struct {
	// Outbound messages queued per connection before the connection is considered too slow and dropped
	SendBuffer int

	// Served on GET /ice so clients can share the relay's view of the ICE servers
	ICEServers []webrtc.ICEServer
}

// Server exposes a Relay over websockets.
//
// Every connection gets a reader goroutine, which feeds the Relay one message at a time,
// and a writer goroutine, which drains a buffered send queue.
// A connection whose queue fills up is closed rather than allowed to stall delivery to others.
type Server struct {
	logger *slog.Logger
	relay  *Relay
	config ServerConfig

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	clientsMutex sync.RWMutex
	clients      map[signalling.ParticipantID]*client
}

// Create a new websocket Server for the given relay.
//
// If no logger is given, slog.Default() is used.
func NewServer(relay *Relay, config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}

	server := &Server{
		logger: logger,
		relay:  relay,
		config: config,
		upgrader: websocket.Upgrader{
			Subprotocols: signalling.SupportedProtocols(),
			// Participants are not authenticated, any origin may join
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:     http.NewServeMux(),
		clients: make(map[signalling.ParticipantID]*client),
	}

	relay.attach(server.deliver)

	server.mux.HandleFunc("GET /ws", server.handleWebsocket)
	server.mux.HandleFunc("GET /healthz", server.handleHealth)
	server.mux.HandleFunc("GET /ice", server.handleICEServers)

	return server
}

func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server.mux.ServeHTTP(w, r)
}

// --------------------------------------------------------------------------------
// HTTP HANDLERS

func (server *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	requestLogger := server.logger.WithGroup("request").With(
		"requestUUID", uuid.New().String(),
		"remoteAddress", r.RemoteAddr,
	)

	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		requestLogger.Debug("error while upgrading connection", "err", err)
		return
	}

	codec, err := signalling.CodecForProtocol(conn.Subprotocol())
	if err != nil {
		requestLogger.Error("negotiated an unsupported protocol", "err", err)
		conn.Close()
		return
	}

	id := server.relay.Connect()
	c := &client{
		id:     id,
		logger: requestLogger.With("participantID", id),
		conn:   conn,
		codec:  codec,
		send:   make(chan signalling.Message, server.config.SendBuffer),
		done:   make(chan struct{}),
	}

	server.clientsMutex.Lock()
	server.clients[id] = c
	server.clientsMutex.Unlock()

	c.logger.Debug("connection upgraded", "protocol", codec.Protocol())
	c.enqueue(signalling.Welcome(id))

	go c.writePump()
	go server.readPump(c)
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"rooms":       server.relay.Registry().RoomCount(),
		"connections": server.relay.ConnectionCount(),
	})
}

func (server *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": server.config.ICEServers})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// --------------------------------------------------------------------------------
// DELIVERY

// Hand every delivery to its target's send queue.
// Targets that have already gone away are skipped.
//
// Called by the relay, possibly with a room lock held, so it only ever queues.
func (server *Server) deliver(deliveries []Delivery) {
	server.clientsMutex.RLock()
	defer server.clientsMutex.RUnlock()

	for _, d := range deliveries {
		target, ok := server.clients[d.To]
		if !ok {
			continue
		}
		target.enqueue(d.Message)
	}
}

// readPump pumps messages from the websocket connection to the relay.
//
// All reads of a connection happen on this goroutine, so the relay sees
// one connection's messages strictly in order.
func (server *Server) readPump(c *client) {
	defer func() {
		server.clientsMutex.Lock()
		delete(server.clients, c.id)
		server.clientsMutex.Unlock()

		server.relay.Disconnect(c.id)
		c.close()
		c.conn.Close()
		c.logger.Debug("connection closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("unexpected close", "err", err)
			}
			return
		}

		var msg signalling.Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable message dropped", "err", err)
			continue
		}

		server.relay.Handle(c.id, msg)
	}
}

// --------------------------------------------------------------------------------

type client struct {
	id     signalling.ParticipantID
	logger *slog.Logger
	conn   *websocket.Conn
	codec  signalling.Codec

	send      chan signalling.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Queue a message for the writer without ever blocking the caller.
// A full queue means the client cannot keep up, so it is disconnected.
func (c *client) enqueue(msg signalling.Message) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.logger.Warn("send queue full, dropping connection")
		c.close()
	}
}

// writePump pumps messages from the send queue to the websocket connection.
//
// All writes of a connection happen on this goroutine.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case msg := <-c.send:
			data, err := c.codec.Marshal(msg)
			if err != nil {
				c.logger.Error("error while encoding message", "err", err, "event", msg.Event)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(messageType, data); err != nil {
				c.logger.Debug("error while writing message", "err", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
