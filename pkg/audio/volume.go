package audio

import (
	"math"
	"sync/atomic"
)

// VolumeSource applies a software gain to an Opus frame stream. At gain 1.0
// frames pass through byte-identical; otherwise each frame is decoded to
// PCM, scaled and re-encoded. The gain is adjustable while the stream is
// playing.
type VolumeSource struct {
	src FrameSource

	// gain is the current multiplier, stored as math.Float64bits.
	gain atomic.Uint64

	dec *opusDecoder
	enc *opusEncoder
}

// NewVolumeSource wraps src with an adjustable-gain stage. The initial gain
// is a multiplier where 1.0 is unity (a client volume of 100).
func NewVolumeSource(src FrameSource, gain float64) *VolumeSource {
	v := &VolumeSource{src: src}
	v.SetGain(gain)
	return v
}

// SetGain changes the gain applied to subsequent frames. Negative values
// are clamped to zero.
func (v *VolumeSource) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	v.gain.Store(math.Float64bits(gain))
}

// Gain returns the current gain multiplier.
func (v *VolumeSource) Gain() float64 {
	return math.Float64frombits(v.gain.Load())
}

// ReadFrame returns the next frame with the current gain applied.
func (v *VolumeSource) ReadFrame() ([]byte, error) {
	frame, err := v.src.ReadFrame()
	if err != nil {
		return nil, err
	}

	gain := v.Gain()
	if gain == 1.0 {
		return frame, nil
	}

	// Lazily create the codec pair; unity-gain streams never pay for it.
	if v.dec == nil {
		if v.dec, err = newOpusDecoder(); err != nil {
			return nil, err
		}
		if v.enc, err = newOpusEncoder(); err != nil {
			v.dec = nil
			return nil, err
		}
	}

	pcm, err := v.dec.decode(frame)
	if err != nil {
		return nil, err
	}
	applyGain(pcm, gain)
	return v.enc.encode(pcm)
}

// Close closes the wrapped source.
func (v *VolumeSource) Close() error {
	return v.src.Close()
}
