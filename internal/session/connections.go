package session

import (
	"log/slog"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/networking"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/peer"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Build every session's links on real WebRTC connections.
//
// Remote audio is rendered to sinks from the given factory. loggerFactory
// routes pion's own logging, nil keeps pion's default.
func PionConnections(
	iceServers []webrtc.ICEServer,
	codec webrtc.RTPCodecParameters,
	sinks networking.SinkFactory,
	loggerFactory logging.LoggerFactory,
	logger *slog.Logger,
) ConnectionFactoryFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(transmitter *networking.Transmitter) (peer.ConnectionFactory, error) {
		factory, err := networking.NewConnectionFactory(
			webrtc.Configuration{ICEServers: iceServers},
			codec,
			transmitter,
			networking.NewReceiver(sinks, logger),
			loggerFactory,
			logger,
		)
		if err != nil {
			return nil, err
		}
		return factory, nil
	}
}
