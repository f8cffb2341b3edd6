package frame

// A frame of raw audio samples, interleaved by channel, normalized to [-1, 1].
type PCMFrame []float32

// A frame of audio after encoding, ready to be written to a track.
type EncodedFrame []byte
