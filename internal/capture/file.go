package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"
)

const (
	defaultFrameDuration = 20 * time.Millisecond
)

// FileCapturer captures from a .WAV file, standing in for a microphone.
//
// The file is played in real time, resampled to the requested sample rate,
// and passed through a noise gate and automatic gain control when
// NoiseSuppression and AutoGainControl are requested.
// A file has no loudspeaker feeding back into it, so EchoCancellation needs no processing.
type FileCapturer struct {
	logger *slog.Logger

	path          string
	frameDuration time.Duration
	loop          bool
}

// Create a new FileCapturer for the .WAV file at path.
//
// If loop is true the file repeats until the stream is closed.
// If no logger is given, slog.Default() is used.
func NewFileCapturer(path string, loop bool, logger *slog.Logger) *FileCapturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileCapturer{
		logger:        logger.With("captureFile", path),
		path:          path,
		frameDuration: defaultFrameDuration,
		loop:          loop,
	}
}

func (c *FileCapturer) Acquire(ctx context.Context, constraints Constraints) (audiodevice.AudioSourceDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureDenied, err)
	}

	source, err := device.NewFileAudioSourceDevice(c.path, c.frameDuration, c.loop, c.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureDenied, err)
	}

	sourceProperties := source.GetDeviceProperties()
	captureProperties := audiodevice.DeviceProperties{
		SampleRate:  constraints.SampleRate,
		NumChannels: sourceProperties.NumChannels,
	}
	conversion, err := device.NewAudioFormatConversionDevice(sourceProperties, captureProperties, c.logger)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("%w: %w", ErrCaptureDenied, err)
	}
	augmentation := device.NewAudioAugmentationDevice(captureProperties, device.AugmentationOptions{
		NoiseGate: constraints.NoiseSuppression,
		AutoGain:  constraints.AutoGainControl,
	})

	conversion.SetStream(source.GetStream())
	augmentation.SetStream(conversion.GetStream())

	c.logger.Info("capture acquired",
		"sampleRate", captureProperties.SampleRate,
		"channels", captureProperties.NumChannels,
		"echoCancellation", constraints.EchoCancellation,
		"noiseSuppression", constraints.NoiseSuppression,
		"autoGainControl", constraints.AutoGainControl,
	)

	// Playback outlives the acquiring context, it ends when the stream is closed
	source.Play(context.Background())
	return &fileStream{source: source, output: augmentation}, nil
}

// The head and tail of a capture pipeline.
// Closing the head cascades closure down to the tail.
type fileStream struct {
	source *device.FileAudioSourceDevice
	output *device.AudioAugmentationDevice
}

func (s *fileStream) GetStream() <-chan frame.PCMFrame {
	return s.output.GetStream()
}

func (s *fileStream) Close() {
	s.source.Close()
}

func (s *fileStream) GetDeviceProperties() audiodevice.DeviceProperties {
	return s.output.GetDeviceProperties()
}
