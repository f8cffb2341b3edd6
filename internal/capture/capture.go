// Package capture acquires the local audio capture stream that a participant
// talks into. Capture hardware is not modelled. A Capturer hands out an
// audiodevice.AudioSourceDevice honouring a fixed set of Constraints.
package capture

import (
	"context"
	"errors"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
)

const (
	CaptureSampleRate = 44100
)

var (
	// Returned when the capture stream cannot be acquired.
	// A join that sees this error never contacts the relay.
	ErrCaptureDenied = errors.New("audio capture denied")
)

// Capability requests made when acquiring a capture stream.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
}

// The constraints every session acquires capture with.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       CaptureSampleRate,
	}
}

// A Capturer produces a capture stream on request.
//
// The returned source produces frames at constraints.SampleRate until it is closed.
// The caller owns the source and must Close it.
// Any failure is reported as an error wrapping ErrCaptureDenied.
type Capturer interface {
	Acquire(ctx context.Context, constraints Constraints) (audiodevice.AudioSourceDevice, error)
}

// Adapter allowing an ordinary function to be used as a Capturer.
type CapturerFunc func(ctx context.Context, constraints Constraints) (audiodevice.AudioSourceDevice, error)

func (f CapturerFunc) Acquire(ctx context.Context, constraints Constraints) (audiodevice.AudioSourceDevice, error) {
	return f(ctx, constraints)
}
