package device

import (
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"
)

// An AudioSourceDevice that will never produce a frame.
//
// Stands in for a capture stream when there is nothing to capture, e.g. a listen-only participant.
type DummyAudioSourceDevice struct {
	properties   audiodevice.DeviceProperties
	shutdownOnce sync.Once
	sinkStream   chan frame.PCMFrame
}

func NewDummyAudioSourceDevice(properties audiodevice.DeviceProperties) *DummyAudioSourceDevice {
	return &DummyAudioSourceDevice{
		properties: properties,
		sinkStream: make(chan frame.PCMFrame),
	}
}

func (d *DummyAudioSourceDevice) Close() {
	d.shutdownOnce.Do(func() {
		close(d.sinkStream)
	})
}

func (d *DummyAudioSourceDevice) GetStream() <-chan frame.PCMFrame {
	return d.sinkStream
}

func (d *DummyAudioSourceDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// An AudioSinkDevice that consumes all frames without any further actions.
type DummyAudioSinkDevice struct {
	properties audiodevice.DeviceProperties

	framesMutex sync.Mutex
	frames      int
	done        chan struct{}
}

func NewDummyAudioSinkDevice(properties audiodevice.DeviceProperties) *DummyAudioSinkDevice {
	return &DummyAudioSinkDevice{
		properties: properties,
		done:       make(chan struct{}),
	}
}

func (d *DummyAudioSinkDevice) SetStream(sourceStream <-chan frame.PCMFrame) {
	go func() {
		defer close(d.done)
		for range sourceStream {
			d.framesMutex.Lock()
			d.frames += 1
			d.framesMutex.Unlock()
		}
	}()
}

// Number of frames consumed so far.
func (d *DummyAudioSinkDevice) FramesConsumed() int {
	d.framesMutex.Lock()
	defer d.framesMutex.Unlock()
	return d.frames
}

// Closed once the source stream has been closed and drained.
func (d *DummyAudioSinkDevice) Done() <-chan struct{} {
	return d.done
}

func (d *DummyAudioSinkDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}
