package device

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"
)

var (
	mono8000    = audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1}
	stereo8000  = audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 2}
	mono44100   = audiodevice.DeviceProperties{SampleRate: 44100, NumChannels: 1}
	discardLogs = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func collect(t *testing.T, stream <-chan frame.PCMFrame) []float32 {
	t.Helper()
	var samples []float32
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-stream:
			if !ok {
				return samples
			}
			samples = append(samples, f...)
		case <-timeout:
			t.Fatalf("stream never closed")
		}
	}
}

func feed(frames ...frame.PCMFrame) <-chan frame.PCMFrame {
	source := make(chan frame.PCMFrame, len(frames))
	for _, f := range frames {
		source <- f
	}
	close(source)
	return source
}

func TestAudioFormatConversionDevice_ChannelConversion(t *testing.T) {
	tests := []struct {
		name   string
		source audiodevice.DeviceProperties
		sink   audiodevice.DeviceProperties
		input  frame.PCMFrame
		want   []float32
	}{
		{"stereo to mono", stereo8000, mono8000, frame.PCMFrame{0.2, 0.4, 1, 0}, []float32{0.3, 0.5}},
		{"mono to stereo", mono8000, stereo8000, frame.PCMFrame{0.25, -0.5}, []float32{0.25, 0.25, -0.5, -0.5}},
		{"passthrough", mono8000, mono8000, frame.PCMFrame{0.1, 0.2}, []float32{0.1, 0.2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewAudioFormatConversionDevice(tt.source, tt.sink, discardLogs)
			if err != nil {
				t.Fatalf("NewAudioFormatConversionDevice: %v", err)
			}
			d.SetStream(feed(tt.input))

			got := collect(t, d.GetStream())
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestAudioFormatConversionDevice_Resamples(t *testing.T) {
	d, err := NewAudioFormatConversionDevice(mono44100, mono8000, discardLogs)
	if err != nil {
		t.Fatalf("NewAudioFormatConversionDevice: %v", err)
	}

	// Ten 20ms frames of a 440Hz tone
	frames := make([]frame.PCMFrame, 10)
	for n := range frames {
		frames[n] = make(frame.PCMFrame, 882)
		for i := range frames[n] {
			x := float64(n*882 + i)
			frames[n][i] = float32(0.5 * math.Sin(2*math.Pi*440*x/44100))
		}
	}
	d.SetStream(feed(frames...))

	got := collect(t, d.GetStream())
	// 8820 samples at 44100Hz is 1600 samples at 8000Hz, less the resampler's filter delay
	if len(got) < 1400 || len(got) > 1650 {
		t.Fatalf("resampled to %d samples, want close to 1600", len(got))
	}
	if d.GetDeviceProperties() != mono8000 || d.GetSourceDeviceProperties() != mono44100 {
		t.Fatalf("unexpected properties")
	}
}

// A stereo WAV capture headed for PCMU, delivered as one large frame.
func TestAudioFormatConversionDevice_StereoCaptureToPCMU(t *testing.T) {
	stereo44100 := audiodevice.DeviceProperties{SampleRate: 44100, NumChannels: 2}
	d, err := NewAudioFormatConversionDevice(stereo44100, mono8000, discardLogs)
	if err != nil {
		t.Fatalf("NewAudioFormatConversionDevice: %v", err)
	}

	// One second, left and right in opposite phase except for a DC offset of 0.25
	input := make(frame.PCMFrame, 2*44100)
	for i := 0; i < 44100; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/44100))
		input[2*i] = 0.25 + v
		input[2*i+1] = 0.25 - v
	}
	d.SetStream(feed(input))

	got := collect(t, d.GetStream())
	if len(got) < 7600 || len(got) > 8010 {
		t.Fatalf("converted to %d samples, want close to 8000", len(got))
	}
	// The tone cancels in the mix, leaving the offset once the filter has settled
	for i, v := range got[len(got)/2:] {
		if math.Abs(float64(v-0.25)) > 0.02 {
			t.Fatalf("sample %d = %f, want 0.25", len(got)/2+i, v)
		}
	}
}

func TestAudioFormatConversionDevice_RejectsUnsupportedFormats(t *testing.T) {
	surround := audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: 6}
	if _, err := NewAudioFormatConversionDevice(surround, mono8000, discardLogs); err == nil {
		t.Fatalf("accepted six channel audio")
	}
	if _, err := NewAudioFormatConversionDevice(audiodevice.DeviceProperties{NumChannels: 1}, mono8000, discardLogs); err == nil {
		t.Fatalf("accepted a zero sample rate")
	}
}

func TestAudioAugmentationDevice(t *testing.T) {
	quiet := frame.PCMFrame{0.001, -0.001, 0.002}
	loud := frame.PCMFrame{0.5, -0.5, 0.5}

	t.Run("volume only", func(t *testing.T) {
		d := NewAudioAugmentationDevice(mono8000, AugmentationOptions{})
		d.SetVolumeAdjustMagnitude(0.5)
		d.SetStream(feed(slices.Clone(loud)))
		got := collect(t, d.GetStream())
		if !slices.Equal(got, []float32{0.25, -0.25, 0.25}) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("negative volume mutes", func(t *testing.T) {
		d := NewAudioAugmentationDevice(mono8000, AugmentationOptions{})
		d.SetVolumeAdjustMagnitude(-3)
		if d.GetVolumeAdjustMagnitude() != 0 {
			t.Fatalf("volume=%f, want 0", d.GetVolumeAdjustMagnitude())
		}
	})

	t.Run("noise gate", func(t *testing.T) {
		d := NewAudioAugmentationDevice(mono8000, AugmentationOptions{NoiseGate: true})
		d.SetStream(feed(slices.Clone(quiet), slices.Clone(loud)))
		got := collect(t, d.GetStream())
		if want := []float32{0, 0, 0, 0.5, -0.5, 0.5}; !slices.Equal(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("auto gain pulls loud audio down", func(t *testing.T) {
		d := NewAudioAugmentationDevice(mono8000, AugmentationOptions{AutoGain: true})
		frames := make([]frame.PCMFrame, 50)
		for i := range frames {
			frames[i] = slices.Clone(loud)
		}
		d.SetStream(feed(frames...))
		got := collect(t, d.GetStream())
		last := got[len(got)-1]
		if last >= 0.5 || last <= 0 {
			t.Fatalf("last sample %f, want attenuated towards the target", last)
		}
	})
}

func TestFileDevices_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.wav")

	sink, err := NewFileAudioSinkDevice(path, mono8000, discardLogs)
	if err != nil {
		t.Fatalf("NewFileAudioSinkDevice: %v", err)
	}
	written := make(frame.PCMFrame, 320)
	for i := range written {
		written[i] = float32(i%32)/64 - 0.25
	}
	sink.SetStream(feed(written[:160], written[160:]))
	sink.WaitForClose()

	source, err := NewFileAudioSourceDevice(path, 10*time.Millisecond, false, discardLogs)
	if err != nil {
		t.Fatalf("NewFileAudioSourceDevice: %v", err)
	}
	if source.GetDeviceProperties() != mono8000 {
		t.Fatalf("properties=%+v, want %+v", source.GetDeviceProperties(), mono8000)
	}

	source.Play(context.Background())
	read := collect(t, source.GetStream())
	if len(read) != len(written) {
		t.Fatalf("read %d samples, want %d", len(read), len(written))
	}
	for i := range read {
		if math.Abs(float64(read[i]-written[i])) > 1e-3 {
			t.Fatalf("sample %d: read %f, wrote %f", i, read[i], written[i])
		}
	}

	// Closing after playback finished is harmless
	source.Close()
}

func TestFileAudioSourceDevice_CloseStopsLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.wav")
	sink, err := NewFileAudioSinkDevice(path, mono8000, discardLogs)
	if err != nil {
		t.Fatalf("NewFileAudioSinkDevice: %v", err)
	}
	sink.SetStream(feed(make(frame.PCMFrame, 80)))
	sink.WaitForClose()

	source, err := NewFileAudioSourceDevice(path, 10*time.Millisecond, true, discardLogs)
	if err != nil {
		t.Fatalf("NewFileAudioSourceDevice: %v", err)
	}
	source.Play(context.Background())

	// A looping source keeps producing past the end of the file
	for i := 0; i < 3; i++ {
		<-source.GetStream()
	}
	source.Close()
	collect(t, source.GetStream())
}

func TestSourceDevices_OpenAndClose(t *testing.T) {
	if _, err := NewFileAudioSourceDevice(filepath.Join(t.TempDir(), "missing.wav"), 20*time.Millisecond, false, discardLogs); err == nil {
		t.Fatalf("opened a missing file")
	}

	d := NewDummyAudioSourceDevice(mono8000)
	d.Close()
	d.Close()
	if _, ok := <-d.GetStream(); ok {
		t.Fatalf("dummy source produced a frame")
	}
}

func TestDummyAudioSinkDevice_CountsFrames(t *testing.T) {
	d := NewDummyAudioSinkDevice(mono8000)
	d.SetStream(feed(frame.PCMFrame{0}, frame.PCMFrame{0}))
	<-d.Done()
	if d.FramesConsumed() != 2 {
		t.Fatalf("FramesConsumed=%d, want 2", d.FramesConsumed())
	}
}
