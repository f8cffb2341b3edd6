package encoderdecoder

import (
	"errors"
	"math"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/frame"
	"github.com/zaf/g711"
)

const (
	PCMUSampleRate  = 8000
	PCMUNumChannels = 1
)

var (
	errPCMUFormat = errors.New("pcmu requires 8000Hz mono audio")
)

// G.711 µ-law encoder/decoder, one byte per sample.
//
// PCMU is stateless, so one PCMUEncoderDecoder may be shared between links.
type PCMUEncoderDecoder struct{}

func newPCMUEncoderDecoder(sampleRate int, numChannels int) (PCMUEncoderDecoder, error) {
	if sampleRate != PCMUSampleRate || numChannels != PCMUNumChannels {
		return PCMUEncoderDecoder{}, errPCMUFormat
	}
	return PCMUEncoderDecoder{}, nil
}

func (encdec PCMUEncoderDecoder) Encode(pcmData frame.PCMFrame) (frame.EncodedFrame, error) {
	encoded := make(frame.EncodedFrame, len(pcmData))
	for i, sample := range pcmData {
		// Clamped to ±MaxInt16, g711 cannot negate MinInt16
		sample = max(-1, min(1, sample))
		encoded[i] = g711.EncodeUlawFrame(int16(sample * math.MaxInt16))
	}
	return encoded, nil
}

func (encdec PCMUEncoderDecoder) Decode(encodedData frame.EncodedFrame) (frame.PCMFrame, error) {
	decoded := make(frame.PCMFrame, len(encodedData))
	for i, b := range encodedData {
		decoded[i] = float32(g711.DecodeUlawFrame(b)) / math.MaxInt16
	}
	return decoded, nil
}
