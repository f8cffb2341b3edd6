package networking

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/encoderdecoder"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var (
	errTransmitterStarted = errors.New("transmitter already started")
)

// The sending half of a participant's audio: one capture stream, written to
// the local track of every PeerLink.
//
// Capture is always drained, but frames are only encoded and written while
// the transmitter is talking. This is the push-to-talk gate.
type Transmitter struct {
	logger *slog.Logger

	codec   webrtc.RTPCodecCapability
	encoder encoderdecoder.EncoderDecoder

	talking atomic.Bool
	started atomic.Bool

	tracksMutex sync.RWMutex
	tracks      map[*webrtc.TrackLocalStaticSample]struct{}

	framesSent atomic.Uint64
	done       chan struct{}
}

// Create a new Transmitter sending audio in the given codec.
//
// If no logger is given, slog.Default() is used.
func NewTransmitter(codec webrtc.RTPCodecCapability, logger *slog.Logger) (*Transmitter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	encoder, err := newEncoderDecoderForCodec(codec)
	if err != nil {
		logger.Error("error while creating encoder", "codec", codec.MimeType, "err", err)
		return nil, err
	}

	return &Transmitter{
		logger:  logger,
		codec:   codec,
		encoder: encoder,
		tracks:  make(map[*webrtc.TrackLocalStaticSample]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start draining the capture stream, converting it to the codec's format.
//
// The Transmitter stops once the capture stream is closed, see Done.
func (t *Transmitter) Start(source audiodevice.AudioSourceDevice) error {
	if !t.started.CompareAndSwap(false, true) {
		return errTransmitterStarted
	}

	codecProperties := audiodevice.DeviceProperties{
		SampleRate:  int(t.codec.ClockRate),
		NumChannels: codecChannels(t.codec),
	}
	conversion, err := device.NewAudioFormatConversionDevice(source.GetDeviceProperties(), codecProperties, t.logger)
	if err != nil {
		t.logger.Error("error while creating format conversion", "err", err)
		close(t.done)
		return err
	}
	conversion.SetStream(source.GetStream())

	go func() {
		defer close(t.done)
		for pcmFrame := range conversion.GetStream() {
			if !t.talking.Load() || len(pcmFrame) == 0 {
				continue
			}

			encoded, err := t.encoder.Encode(pcmFrame)
			if err != nil {
				t.logger.Error("error while encoding frame", "err", err)
				continue
			}
			sample := media.Sample{
				Data:     encoded,
				Duration: time.Duration(len(pcmFrame)/codecProperties.NumChannels) * time.Second / time.Duration(codecProperties.SampleRate),
			}

			t.tracksMutex.RLock()
			for track := range t.tracks {
				// Tracks not yet bound to a connected transport refuse samples, that is fine
				if err := track.WriteSample(sample); err != nil {
					t.logger.Debug("error writing audio sample", "trackID", track.ID(), "err", err)
				}
			}
			t.tracksMutex.RUnlock()
			t.framesSent.Add(1)
		}
		t.logger.Debug("capture stream closed, transmitter stopped")
	}()
	return nil
}

// Open or close the push-to-talk gate.
func (t *Transmitter) SetTalking(talking bool) {
	t.talking.Store(talking)
}

func (t *Transmitter) Talking() bool {
	return t.talking.Load()
}

// Number of frames let through the gate since Start.
func (t *Transmitter) FramesSent() uint64 {
	return t.framesSent.Load()
}

func (t *Transmitter) AddTrack(track *webrtc.TrackLocalStaticSample) {
	t.tracksMutex.Lock()
	t.tracks[track] = struct{}{}
	t.tracksMutex.Unlock()
}

func (t *Transmitter) RemoveTrack(track *webrtc.TrackLocalStaticSample) {
	t.tracksMutex.Lock()
	delete(t.tracks, track)
	t.tracksMutex.Unlock()
}

func (t *Transmitter) TrackCount() int {
	t.tracksMutex.RLock()
	defer t.tracksMutex.RUnlock()
	return len(t.tracks)
}

// Closed once the capture stream has ended.
func (t *Transmitter) Done() <-chan struct{} {
	return t.done
}
