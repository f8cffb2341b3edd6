package device

import (
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"
	"github.com/oov/audio/resampler"
)

const resampleQuality = 10

var (
	errUnsupportedChannelCount = errors.New("only mono and stereo audio can be converted")
	errNonPositiveSampleRate   = errors.New("sample rate must be positive")
)

// Sits between a capture source and the transmitter, converting whatever the
// source produces (say a 44100Hz stereo WAV) into the codec's format
// (8000Hz mono for PCMU).
//
// Data enters through SetStream and leaves through GetStream, so the device
// is a sink on one side and a source on the other. GetDeviceProperties
// describes the leaving audio.
type AudioFormatConversionDevice struct {
	in           <-chan frame.PCMFrame
	inProperties audiodevice.DeviceProperties

	out           chan frame.PCMFrame
	outProperties audiodevice.DeviceProperties

	converter *frameConverter
	closeOnce sync.Once
}

// Create a conversion from inProperties audio to outProperties audio.
// Nothing is converted until SetStream is called.
//
// Only mono and stereo audio are supported.
// If no logger is given, slog.Default() is used.
func NewAudioFormatConversionDevice(
	inProperties audiodevice.DeviceProperties,
	outProperties audiodevice.DeviceProperties,
	logger *slog.Logger,
) (*AudioFormatConversionDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, properties := range []audiodevice.DeviceProperties{inProperties, outProperties} {
		if properties.NumChannels < 1 || properties.NumChannels > 2 {
			return nil, errUnsupportedChannelCount
		}
		if properties.SampleRate <= 0 {
			return nil, errNonPositiveSampleRate
		}
	}

	converter := newFrameConverter(inProperties, outProperties)
	logger.Debug("converting audio format",
		"in", inProperties,
		"out", outProperties,
		"resampling", converter.resampler != nil,
	)

	return &AudioFormatConversionDevice{
		inProperties:  inProperties,
		out:           make(chan frame.PCMFrame),
		outProperties: outProperties,
		converter:     converter,
	}, nil
}

func (d *AudioFormatConversionDevice) GetStream() <-chan frame.PCMFrame {
	return d.out
}

func (d *AudioFormatConversionDevice) Close() {
	d.closeOnce.Do(func() {
		close(d.out)
	})
}

// Properties of the converted audio.
func (d *AudioFormatConversionDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.outProperties
}

// Properties of the audio fed in through SetStream.
func (d *AudioFormatConversionDevice) GetSourceDeviceProperties() audiodevice.DeviceProperties {
	return d.inProperties
}

// Start converting frames from in. The device closes once in is closed.
func (d *AudioFormatConversionDevice) SetStream(in <-chan frame.PCMFrame) {
	d.in = in
	go func() {
		defer d.Close()
		for pcmFrame := range d.in {
			d.out <- d.converter.convert(pcmFrame)
		}
	}()
}

// --------------------------------------------------------------------------------

// Planar working buffers, reused from one frame to the next.
//
// Stereo is mixed down before resampling and mono is duplicated up after,
// so the resampler only ever runs min(in, out) channels.
type frameConverter struct {
	inChannels  int
	outChannels int

	planes    [][]float32
	resampled [][]float32

	// nil when both sides share a sample rate
	resampler *resampler.Resampler
	ratio     float64
}

func newFrameConverter(in audiodevice.DeviceProperties, out audiodevice.DeviceProperties) *frameConverter {
	carried := min(in.NumChannels, out.NumChannels)
	c := &frameConverter{
		inChannels:  in.NumChannels,
		outChannels: out.NumChannels,
		planes:      make([][]float32, carried),
	}
	if in.SampleRate != out.SampleRate {
		c.resampler = resampler.New(carried, in.SampleRate, out.SampleRate, resampleQuality)
		c.resampled = make([][]float32, carried)
		c.ratio = float64(out.SampleRate) / float64(in.SampleRate)
	}
	return c
}

// Convert one interleaved frame. The returned frame is freshly allocated.
// A trailing partial sample of a stereo frame is dropped.
func (c *frameConverter) convert(in frame.PCMFrame) frame.PCMFrame {
	samples := len(in) / c.inChannels
	c.split(in, samples)

	planes := c.planes
	if c.resampler != nil {
		planes = c.resample(samples)
	}
	return c.join(planes)
}

func (c *frameConverter) split(in frame.PCMFrame, samples int) {
	for ch := range c.planes {
		c.planes[ch] = resize(c.planes[ch], samples)
	}
	if c.inChannels > len(c.planes) {
		for i := 0; i < samples; i++ {
			c.planes[0][i] = (in[2*i] + in[2*i+1]) / 2
		}
		return
	}
	for i := 0; i < samples; i++ {
		for ch, plane := range c.planes {
			plane[i] = in[i*c.inChannels+ch]
		}
	}
}

func (c *frameConverter) resample(samples int) [][]float32 {
	expected := int(math.Ceil(float64(samples)*c.ratio)) + 1
	for ch, plane := range c.planes {
		out := c.resampled[ch][:0]
		for len(plane) > 0 {
			out = slices.Grow(out, expected)
			read, written := c.resampler.ProcessFloat32(ch, plane, out[len(out):cap(out)])
			out = out[:len(out)+written]
			plane = plane[read:]
			if read == 0 && written == 0 {
				break
			}
		}
		c.resampled[ch] = out
	}
	return c.resampled
}

// Interleave planes into a new frame, repeating the last plane for any extra output channel.
func (c *frameConverter) join(planes [][]float32) frame.PCMFrame {
	samples := len(planes[0])
	for _, plane := range planes[1:] {
		samples = min(samples, len(plane))
	}

	out := make(frame.PCMFrame, samples*c.outChannels)
	for i := 0; i < samples; i++ {
		for ch := 0; ch < c.outChannels; ch++ {
			out[i*c.outChannels+ch] = planes[min(ch, len(planes)-1)][i]
		}
	}
	return out
}

func resize(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
