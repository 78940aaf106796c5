package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusDecoder wraps a gopus Opus decoder. Decoder state must be maintained
// across consecutive frames of the same stream, so each stream gets its own
// instance.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes an Opus packet into interleaved PCM int16 samples.
func (d *opusDecoder) decode(opus []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(opus, SamplesPerFrame, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm, nil
}

// opusEncoder wraps a gopus Opus encoder for the outgoing stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes interleaved PCM int16 samples into an Opus packet.
func (e *opusEncoder) encode(pcm []int16) ([]byte, error) {
	opus, err := e.enc.Encode(pcm, SamplesPerFrame, len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return opus, nil
}

// applyGain scales PCM samples in place, clamping to the int16 range.
func applyGain(pcm []int16, gain float64) {
	for i, s := range pcm {
		v := float64(s) * gain
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		pcm[i] = int16(v)
	}
}
