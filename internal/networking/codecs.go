package networking

import (
	"fmt"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/encoderdecoder"
	"github.com/pion/webrtc/v4"
)

const (
	// Static RTP payload type of PCMU
	pcmuPayloadType webrtc.PayloadType = 0
)

var (
	// Define a mapping from string representation (e.g. for use in config files) to codec specification
	CodecMap map[string]webrtc.RTPCodecParameters = map[string]webrtc.RTPCodecParameters{
		"CodecPCMU8000Mono": {
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypePCMU,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: pcmuPayloadType,
		},
	}
)

// Look up the codec associated with a configuration string.
//
// See CodecMap for all codecs and their associated strings.
func GetCodec(codecString string) (webrtc.RTPCodecParameters, error) {
	codec, ok := CodecMap[codecString]
	if !ok {
		return webrtc.RTPCodecParameters{}, fmt.Errorf("no codec with associated string %s", codecString)
	}
	return codec, nil
}

// Create the encoder/decoder that produces and consumes payloads of the given codec.
func newEncoderDecoderForCodec(codec webrtc.RTPCodecCapability) (encoderdecoder.EncoderDecoder, error) {
	encoderDecoderType := encoderdecoder.EncoderDecoderTypeNotImplemented
	if strings.EqualFold(codec.MimeType, webrtc.MimeTypePCMU) {
		encoderDecoderType = encoderdecoder.EncoderDecoderTypePCMU
	}
	return encoderdecoder.NewEncoderDecoder(encoderDecoderType, int(codec.ClockRate), codecChannels(codec))
}

// Negotiated codecs may leave the channel count unset for mono codecs.
func codecChannels(codec webrtc.RTPCodecCapability) int {
	return max(1, int(codec.Channels))
}
