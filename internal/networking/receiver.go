package networking

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/pion/webrtc/v4"
)

// Creates the sink a remote participant's audio is rendered to.
// Called once per received track.
type SinkFactory func(remote signalling.ParticipantID, properties audiodevice.DeviceProperties) (audiodevice.AudioSinkDevice, error)

// Sinks that throw remote audio away.
func DiscardSinks() SinkFactory {
	return func(_ signalling.ParticipantID, properties audiodevice.DeviceProperties) (audiodevice.AudioSinkDevice, error) {
		return device.NewDummyAudioSinkDevice(properties), nil
	}
}

// Sinks that record each received track to its own .WAV file in dir.
//
// If no logger is given, slog.Default() is used.
func RecordingSinks(dir string, logger *slog.Logger) SinkFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(remote signalling.ParticipantID, properties audiodevice.DeviceProperties) (audiodevice.AudioSinkDevice, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%s-%s.wav", remote, time.Now().Format("20060102T150405.000"))
		path := filepath.Join(dir, name)
		logger.Info("recording remote audio", "remoteID", remote, "file", path)
		return device.NewFileAudioSinkDevice(path, properties, logger)
	}
}

// The receiving half of a participant's audio: decodes remote tracks
// and renders them to sinks.
type Receiver struct {
	logger *slog.Logger
	sinks  SinkFactory
}

// Create a new Receiver rendering to sinks made by the given factory.
//
// If no logger is given, slog.Default() is used.
func NewReceiver(sinks SinkFactory, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if sinks == nil {
		sinks = DiscardSinks()
	}
	return &Receiver{
		logger: logger,
		sinks:  sinks,
	}
}

// Read, decode and render a remote track until it ends.
// Blocks, so call in its own goroutine.
func (r *Receiver) Render(remote signalling.ParticipantID, track *webrtc.TrackRemote) {
	codec := track.Codec()
	logger := r.logger.With(
		"remoteID", remote,
		"trackID", track.ID(),
		"mimeType", codec.MimeType,
	)

	decoder, err := newEncoderDecoderForCodec(codec.RTPCodecCapability)
	if err != nil {
		logger.Error("error while creating decoder for remote track", "err", err)
		return
	}

	sink, err := r.sinks(remote, audiodevice.DeviceProperties{
		SampleRate:  int(codec.ClockRate),
		NumChannels: codecChannels(codec.RTPCodecCapability),
	})
	if err != nil {
		logger.Error("error while creating sink for remote track", "err", err)
		return
	}

	stream := make(chan frame.PCMFrame, 8)
	sink.SetStream(stream)
	defer close(stream)

	logger.Debug("rendering remote track")
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug("remote track ended", "err", err)
			return
		}

		pcmFrame, err := decoder.Decode(packet.Payload)
		if err != nil {
			logger.Debug("error while decoding packet", "err", err)
			continue
		}
		stream <- pcmFrame
	}
}
