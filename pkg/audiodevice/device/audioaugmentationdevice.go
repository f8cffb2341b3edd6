package device

import (
	"math"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"
)

const (
	// Frames quieter than this (RMS) are treated as background noise by the noise gate
	defaultNoiseGateThreshold float32 = 0.01

	// Loudness (RMS) the automatic gain control steers towards
	defaultAutoGainTarget float32 = 0.1

	// Largest gain the automatic gain control will ever apply
	maxAutoGain float32 = 8

	// How quickly automatic gain follows the signal, per frame, in (0, 1]
	autoGainSmoothing float32 = 0.1
)

// Options controlling which augmentations an AudioAugmentationDevice applies.
type AugmentationOptions struct {
	// Silence frames whose loudness is below the noise gate threshold
	NoiseGate bool

	// Gradually scale frames so speech sits at a consistent loudness
	AutoGain bool
}

// Middle-man processing device to handle audio augmentations,
// such as volume controls, noise gating and automatic gain control.
//
// Augmentations are applied in order: noise gate, automatic gain, volume.
// This device is both a sink and a source!
type AudioAugmentationDevice struct {
	deviceProperties audiodevice.DeviceProperties

	// The stream that data *leaves on*
	sinkStream chan frame.PCMFrame

	augmentationFunctions []audioAugmentationFunction

	volumeMutex           sync.RWMutex
	volumeAdjustMagnitude float32

	noiseGateThreshold float32
	autoGainTarget     float32
	currentAutoGain    float32

	shutdownOnce sync.Once
}

// Create a new AudioAugmentationDevice, always adding
// audioAugmentationFunctions:
//   - volumeAdjust (controlled with AudioAugmentationDevice.SetVolumeAdjustMagnitude)
//     (0.0 for mute, no cap on volume, but beware of clipping)
//
// and optionally the noise gate and automatic gain control.
//
// Note one must still call SetStream, passing in the source channel,
// and GetStream, to receive the sink channel, to use this device, in an
// effort to remain consistent with the device interfaces.
func NewAudioAugmentationDevice(deviceProperties audiodevice.DeviceProperties, options AugmentationOptions) *AudioAugmentationDevice {
	device := &AudioAugmentationDevice{
		deviceProperties:      deviceProperties,
		volumeAdjustMagnitude: 1.0,
		noiseGateThreshold:    defaultNoiseGateThreshold,
		autoGainTarget:        defaultAutoGainTarget,
		currentAutoGain:       1.0,
		sinkStream:            make(chan frame.PCMFrame),
	}

	augmentationFunctions := make([]audioAugmentationFunction, 0, 3)
	if options.NoiseGate {
		augmentationFunctions = append(augmentationFunctions, device.noiseGate)
	}
	if options.AutoGain {
		augmentationFunctions = append(augmentationFunctions, device.autoGain)
	}
	augmentationFunctions = append(augmentationFunctions, device.volumeAdjust)
	device.augmentationFunctions = augmentationFunctions

	return device
}

// --------------------------------------------------------------------------------
// AudioSourceDevice Interface

func (d *AudioAugmentationDevice) GetStream() <-chan frame.PCMFrame {
	return d.sinkStream
}

// Close the outgoing stream.
//
// Only call this when no source stream was ever set,
// otherwise closing the source stream closes this device.
func (d *AudioAugmentationDevice) Close() {
	d.shutdownOnce.Do(func() {
		close(d.sinkStream)
	})
}

// The device properties of the incoming and outgoing PCMFrames are identical,
// so this serves as both Source and Sink Device Properties
func (d *AudioAugmentationDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.deviceProperties
}

// --------------------------------------------------------------------------------
// AudioSinkDevice Interface

func (d *AudioAugmentationDevice) SetStream(sourceStream <-chan frame.PCMFrame) {
	go func() {
		for pcmFrame := range sourceStream {
			for _, f := range d.augmentationFunctions {
				pcmFrame = f(pcmFrame)
			}
			d.sinkStream <- pcmFrame
		}
		d.Close()
	}()
}

// --------------------------------------------------------------------------------
// Methods relating to changing the augmentation functions

// Set the volumeAdjustMagnitude to a new value. Must be non-negative.
// 0.0 means muted, 1.0 is natural scaling, technically uncapped but
// audio encoded as PCMFrames clip if values are made too large.
func (d *AudioAugmentationDevice) SetVolumeAdjustMagnitude(volumeAdjustMagnitude float32) {
	if volumeAdjustMagnitude < 0.0 {
		volumeAdjustMagnitude = 0.0
	}
	d.volumeMutex.Lock()
	d.volumeAdjustMagnitude = volumeAdjustMagnitude
	d.volumeMutex.Unlock()
}

func (d *AudioAugmentationDevice) GetVolumeAdjustMagnitude() float32 {
	d.volumeMutex.RLock()
	defer d.volumeMutex.RUnlock()
	return d.volumeAdjustMagnitude
}

// --------------------------------------------------------------------------------

// An audioAugmentationFunction produces PCMFrames with the same
// device properties as the given sourceFrame.
//
// The returned PCMFrame is the same underlying memory as sourceFrame,
// frames are modified in place.
type audioAugmentationFunction func(sourceFrame frame.PCMFrame) frame.PCMFrame

func (d *AudioAugmentationDevice) volumeAdjust(sourceFrame frame.PCMFrame) frame.PCMFrame {
	volume := d.GetVolumeAdjustMagnitude()
	for i := range sourceFrame {
		sourceFrame[i] *= volume
	}
	return sourceFrame
}

func (d *AudioAugmentationDevice) noiseGate(sourceFrame frame.PCMFrame) frame.PCMFrame {
	if rms(sourceFrame) >= d.noiseGateThreshold {
		return sourceFrame
	}
	clear(sourceFrame)
	return sourceFrame
}

// Only ever touched from the SetStream goroutine, so currentAutoGain needs no lock.
func (d *AudioAugmentationDevice) autoGain(sourceFrame frame.PCMFrame) frame.PCMFrame {
	level := rms(sourceFrame)
	if level > 0 {
		desired := min(d.autoGainTarget/level, maxAutoGain)
		d.currentAutoGain += (desired - d.currentAutoGain) * autoGainSmoothing
	}

	for i := range sourceFrame {
		sourceFrame[i] = max(-1, min(1, sourceFrame[i]*d.currentAutoGain))
	}
	return sourceFrame
}

func rms(pcmFrame frame.PCMFrame) float32 {
	if len(pcmFrame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcmFrame {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(len(pcmFrame))))
}
