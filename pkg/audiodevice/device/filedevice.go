package device

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

var (
	ErrInvalidAudioFile        = errors.New("error while decoding audio file")
	errNonPositiveFrameSamples = errors.New("non-positive samples per frame")
)

// --------------------------------------------------------------------------------
// FileAudioSourceDevice

// Define an AudioSourceDevice that reads PCM audio from a .WAV file and sends it
// along the stream in real time, one frame every frameDuration.
//
// The whole file is decoded when the device is created, so a broken file
// is reported up front rather than halfway through playback.
//
// The stream is closed when playback finishes (if not looping),
// when the context given to Play is canceled, or when Close is called.
type FileAudioSourceDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	properties      audiodevice.DeviceProperties
	samples         []float32
	frameDuration   time.Duration
	samplesPerFrame int
	loop            bool

	stateMutex    sync.Mutex
	started       bool
	closed        bool
	ctxCancelFunc context.CancelFunc
	closeOnce     sync.Once
	sinkStream    chan frame.PCMFrame
}

// Make a new FileAudioSourceDevice from a .WAV file (on the audioFilePath).
//
// The sample rate and channel count are determined by the file,
// but the duration between frames is determined by the frameDuration parameter.
// If loop is true the file is replayed until the device is closed.
//
// If no logger is given, slog.Default() is used.
func NewFileAudioSourceDevice(
	audioFilePath string,
	frameDuration time.Duration,
	loop bool,
	logger *slog.Logger,
) (*FileAudioSourceDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"fileSourceDeviceUUID", uuid,
	)

	f, err := os.Open(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		logger.Error(
			"could not decode audio file",
			"audioFile", audioFilePath,
			"err", decoder.Err(),
		)
		return nil, ErrInvalidAudioFile
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		logger.Error(
			"could not get full PCM buffer from audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, errors.Join(ErrInvalidAudioFile, err)
	}

	samplesPerFrame := int(float64(decoder.NumChans) * float64(decoder.SampleRate) *
		float64(frameDuration) / float64(time.Second))
	if samplesPerFrame <= 0 {
		logger.Error(
			"non-positive samples per frame during opening of file audio source",
			"audioFile", audioFilePath,
			"sampleRate", decoder.SampleRate,
			"channels", decoder.NumChans,
			"samplesPerFrame", samplesPerFrame,
		)
		return nil, errNonPositiveFrameSamples
	}

	logger.Debug(
		"loaded audio file",
		"audioFile", audioFilePath,
		"sampleRate", decoder.SampleRate,
		"channels", decoder.NumChans,
		"bitDepth", decoder.BitDepth,
		"samplesPerFrame", samplesPerFrame,
	)

	return &FileAudioSourceDevice{
		logger: logger,
		uuid:   uuid,
		properties: audiodevice.DeviceProperties{
			SampleRate:  int(decoder.SampleRate),
			NumChannels: int(decoder.NumChans),
		},
		samples:         intBufferToFloat(buf),
		frameDuration:   frameDuration,
		samplesPerFrame: samplesPerFrame,
		loop:            loop,
		sinkStream:      make(chan frame.PCMFrame),
	}, nil
}

// Scale integer samples of any bit depth to [-1, 1].
func intBufferToFloat(buf *goaudio.IntBuffer) []float32 {
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return samples
}

// Play the audio file loaded by this source device.
// If the context is canceled, the playback stops and the stream is closed.
//
// Calling Play more than once, or after Close, does nothing.
func (d *FileAudioSourceDevice) Play(ctx context.Context) {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	ctx, d.ctxCancelFunc = context.WithCancel(ctx)

	d.logger.Debug("playing audio", "loop", d.loop)
	go func() {
		defer d.closeStream()

		ticker := time.NewTicker(d.frameDuration)
		defer ticker.Stop()
		for {
			for frameStart := 0; frameStart < len(d.samples); frameStart += d.samplesPerFrame {
				frameEnd := min(frameStart+d.samplesPerFrame, len(d.samples))
				pcmFrame := make(frame.PCMFrame, frameEnd-frameStart)
				copy(pcmFrame, d.samples[frameStart:frameEnd])

				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
				select {
				case d.sinkStream <- pcmFrame:
				case <-ctx.Done():
					return
				}
			}
			if !d.loop || len(d.samples) == 0 {
				d.logger.Debug("finished playing")
				return
			}
		}
	}()
}

func (d *FileAudioSourceDevice) closeStream() {
	d.closeOnce.Do(func() {
		close(d.sinkStream)
	})
}

// Stop playback and close the stream.
func (d *FileAudioSourceDevice) Close() {
	d.stateMutex.Lock()
	defer d.stateMutex.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.logger.Debug("shutdown called")

	if d.started {
		// The playback goroutine owns the stream once started
		d.ctxCancelFunc()
		return
	}
	d.closeStream()
}

func (d *FileAudioSourceDevice) GetStream() <-chan frame.PCMFrame {
	return d.sinkStream
}

func (d *FileAudioSourceDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// --------------------------------------------------------------------------------
// FileAudioSinkDevice

// Define an AudioSinkDevice that reads from a stream and writes the result to a .WAV file.
// The resulting file is only valid once the source stream is closed,
// see WaitForClose.
type FileAudioSinkDevice struct {
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	logger        *slog.Logger
	uuid          uuid.UUID
	encoder       *wav.Encoder
	fileHandle    *os.File
}

// Create a new FileAudioSinkDevice that writes incoming PCM frames
// as 16 bit samples to a .WAV file at the specified path.
//
// If no logger is given, slog.Default() is used.
func NewFileAudioSinkDevice(
	audioFilePath string,
	properties audiodevice.DeviceProperties,
	logger *slog.Logger,
) (*FileAudioSinkDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"fileSinkDeviceUUID", uuid,
	)

	f, err := os.Create(audioFilePath)
	if err != nil {
		logger.Error(
			"could not create audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	// 1 is the PCM audio format
	encoder := wav.NewEncoder(f, properties.SampleRate, 16, properties.NumChannels, 1)

	logger.Debug(
		"created audio file",
		"audioFile", audioFilePath,
		"sampleRate", encoder.SampleRate,
		"channels", encoder.NumChans,
	)

	ctx, ctxCancelFunc := context.WithCancel(context.Background())
	return &FileAudioSinkDevice{
		ctx:           ctx,
		ctxCancelFunc: ctxCancelFunc,
		logger:        logger,
		uuid:          uuid,
		encoder:       encoder,
		fileHandle:    f,
	}, nil
}

// Wait for this device to be closed.
// Blocks until the file has been finalized.
func (d *FileAudioSinkDevice) WaitForClose() {
	<-d.ctx.Done()
}

func (d *FileAudioSinkDevice) close() {
	if err := d.encoder.Close(); err != nil {
		d.logger.Error("error while finalizing audio file", "err", err)
	}
	d.fileHandle.Sync()
	d.fileHandle.Close()
	d.ctxCancelFunc()
}

// Set the source stream of this audio device, i.e. where data comes from.
// Raw audio data (as PCMFrames) will arrive on the given stream.
//
// When this stream is closed the file is finalized and closed.
func (d *FileAudioSinkDevice) SetStream(sourceStream <-chan frame.PCMFrame) {
	const maxInt16 = float32(math.MaxInt16)
	go func() {
		bufFormat := &goaudio.Format{
			SampleRate:  d.encoder.SampleRate,
			NumChannels: d.encoder.NumChans,
		}
		for pcmFrame := range sourceStream {
			buf := &goaudio.IntBuffer{
				Format:         bufFormat,
				Data:           make([]int, len(pcmFrame)),
				SourceBitDepth: 16,
			}
			for i, sample := range pcmFrame {
				sample = max(-1, min(1, sample))
				buf.Data[i] = int(sample * maxInt16)
			}

			if err := d.encoder.Write(buf); err != nil {
				d.logger.Error("error while writing frame to file", "err", err)
				continue
			}
		}
		d.logger.Debug("source stream closed")
		d.close()
	}()
}

func (d *FileAudioSinkDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  d.encoder.SampleRate,
		NumChannels: d.encoder.NumChans,
	}
}
