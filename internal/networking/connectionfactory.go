package networking

import (
	"fmt"
	"log/slog"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/peer"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// ConnectionFactory creates the WebRTC connections underneath PeerLinks.
//
// Every connection carries exactly one outgoing audio track, fed by the Transmitter,
// and renders any incoming audio track through the Receiver.
// Negotiation itself (offers, answers, candidates) is driven by the peer package,
// this factory only builds and wires the connection.
type ConnectionFactory struct {
	logger *slog.Logger

	api                     *webrtc.API
	connectionConfiguration webrtc.Configuration
	codec                   webrtc.RTPCodecParameters

	transmitter *Transmitter
	receiver    *Receiver
}

// Create a new ConnectionFactory.
//
// connectionConfiguration defines the configuration (notably the ICE servers) used for all connections.
// codec is the only audio codec offered and accepted.
// loggerFactory routes pion's internal logging, nil keeps pion's default.
// See https://github.com/pion/webrtc for details on these options.
//
// If no logger is given, slog.Default() is used.
func NewConnectionFactory(
	connectionConfiguration webrtc.Configuration,
	codec webrtc.RTPCodecParameters,
	transmitter *Transmitter,
	receiver *Receiver,
	loggerFactory logging.LoggerFactory,
	logger *slog.Logger,
) (*ConnectionFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
		logger.Error("error while registering codec", "codec", codec.MimeType, "err", err)
		return nil, fmt.Errorf("failed to register codec: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if loggerFactory != nil {
		settingEngine.LoggerFactory = loggerFactory
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &ConnectionFactory{
		logger:                  logger,
		api:                     api,
		connectionConfiguration: connectionConfiguration,
		codec:                   codec,
		transmitter:             transmitter,
		receiver:                receiver,
	}, nil
}

// Create a connection to remote, with the local audio track attached and
// the given handlers wired to the connection's callbacks.
//
// If anything goes wrong, the half-built connection is closed and an error returned.
func (factory *ConnectionFactory) NewConnection(remote signalling.ParticipantID, handlers peer.ConnectionHandlers) (peer.Connection, error) {
	connectionUUID := uuid.New()
	logger := factory.logger.With(
		"remoteID", remote,
		"connectionUUID", connectionUUID,
	)

	pc, err := factory.api.NewPeerConnection(factory.connectionConfiguration)
	if err != nil {
		logger.Error(
			"error while creating new peer connection",
			"err", err,
			"connection config", factory.connectionConfiguration,
		)
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		factory.codec.RTPCodecCapability,
		fmt.Sprintf("%s audio", connectionUUID),
		fmt.Sprintf("%s audio stream", connectionUUID),
	)
	if err != nil {
		logger.Error("error while creating new audio track", "err", err)
		pc.Close()
		return nil, err
	}
	rtpSender, err := pc.AddTrack(track)
	if err != nil {
		logger.Error("error while adding audio track to peer connection", "err", err)
		pc.Close()
		return nil, err
	}

	// Drain RTCP for the audio track
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := rtpSender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil || handlers.OnICECandidate == nil {
			return
		}
		handlers.OnICECandidate(candidate.ToJSON())
	})
	pc.OnConnectionStateChange(func(pcs webrtc.PeerConnectionState) {
		logger.Debug("peer connection state change", "new state", pcs.String())
		if handlers.OnConnectionStateChange != nil {
			handlers.OnConnectionStateChange(pcs)
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, r *webrtc.RTPReceiver) {
		logger.Debug(
			"received track",
			"track ID", tr.ID(),
			"track kind", tr.Kind().String(),
		)
		if factory.receiver != nil && tr.Kind() == webrtc.RTPCodecTypeAudio {
			go factory.receiver.Render(remote, tr)
		}
	})

	if factory.transmitter != nil {
		factory.transmitter.AddTrack(track)
	}

	return &pionConnection{
		logger:      logger,
		connection:  pc,
		track:       track,
		transmitter: factory.transmitter,
	}, nil
}

// --------------------------------------------------------------------------------

// A peer.Connection backed by a *webrtc.PeerConnection.
type pionConnection struct {
	logger      *slog.Logger
	connection  *webrtc.PeerConnection
	track       *webrtc.TrackLocalStaticSample
	transmitter *Transmitter
}

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.connection.CreateOffer(nil)
	if err != nil {
		c.logger.Error("error while creating new offer", "err", err)
		return webrtc.SessionDescription{}, err
	}

	if err := c.connection.SetLocalDescription(offer); err != nil {
		c.logger.Error("error while setting connection local description", "err", err, "offer", offer)
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *pionConnection) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.connection.SetRemoteDescription(offer); err != nil {
		c.logger.Error("error while setting remote description", "err", err)
		return webrtc.SessionDescription{}, err
	}

	answer, err := c.connection.CreateAnswer(nil)
	if err != nil {
		c.logger.Error("error while creating answer", "err", err)
		return webrtc.SessionDescription{}, err
	}

	if err := c.connection.SetLocalDescription(answer); err != nil {
		c.logger.Error("error while setting local description", "err", err, "answer", answer)
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *pionConnection) SetAnswer(answer webrtc.SessionDescription) error {
	if err := c.connection.SetRemoteDescription(answer); err != nil {
		c.logger.Error("error while setting remote description", "err", err, "answer", answer)
		return err
	}
	return nil
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.connection.AddICECandidate(candidate)
}

func (c *pionConnection) Close() error {
	if c.transmitter != nil {
		c.transmitter.RemoveTrack(c.track)
	}
	return c.connection.Close()
}
