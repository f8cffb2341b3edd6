package audiodevice

import "github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"

type DeviceProperties struct {
	SampleRate  int
	NumChannels int
}

// Interface for audio source devices, e.g. a capture stream
//
// Source devices need only define some way to get data out of the device,
// which returns a channel (stream) of PCMFrames
type AudioSourceDevice interface {
	// Get the stream of this audio device.
	//
	// Raw audio data (as PCMFrames) will arrive on the returned channel.
	GetStream() <-chan frame.PCMFrame

	// Meaningfully close the AudioSourceDevice, including any cleanup of
	// memory and closing of channels.
	//
	// Once closed, this device will transmit no more information.
	// Closing more than once is allowed.
	Close()

	GetDeviceProperties() DeviceProperties
}

// Interface for audio sink devices, e.g. a remote participant's recording
//
// Sink devices need only define some way to consume data,
// taken as a channel (stream) of PCMFrames
type AudioSinkDevice interface {
	// Set the source stream of this audio device.
	//
	// Raw audio data (as PCMFrames) will arrive on the given channel.
	//
	// When this stream is closed the device cleans itself up
	// (files are flushed, other channels are closed, etc)
	SetStream(sourceStream <-chan frame.PCMFrame)

	GetDeviceProperties() DeviceProperties

	// Sinks have no Close. A sink closed while its source is still sending
	// would make the source send on a closed channel, so sinks close
	// when their sourceStream is closed, cascading closure down a pipeline.
}
