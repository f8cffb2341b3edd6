package capture

import (
	"context"
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice/device"
)

// SilentCapturer hands out a mono capture stream that never produces a frame.
//
// Used by listen-only participants, where talking still builds the mesh but carries no audio.
type SilentCapturer struct{}

func (SilentCapturer) Acquire(ctx context.Context, constraints Constraints) (audiodevice.AudioSourceDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureDenied, err)
	}
	if constraints.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrCaptureDenied, constraints.SampleRate)
	}
	return device.NewDummyAudioSourceDevice(audiodevice.DeviceProperties{
		SampleRate:  constraints.SampleRate,
		NumChannels: 1,
	}), nil
}
