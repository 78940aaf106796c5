// Package audio provides the Opus frame plumbing between a decoded audio
// source and the voice transport. Audio flows as discrete 20 ms Opus frames
// at 48 kHz stereo; sources either pass frames through untouched (Ogg-Opus
// containers) or run through the ffmpeg transcode pipeline first.
package audio

import "io"

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	SampleRate  = 48000
	Channels    = 2
	FrameSizeMs = 20

	// SamplesPerFrame is the number of samples per channel per 20 ms frame.
	SamplesPerFrame = SampleRate * FrameSizeMs / 1000 // 960
)

// SilenceFrame is the canonical Opus silence frame, sent to flush the jitter
// buffer before the transport goes quiet.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// FrameSource produces a sequence of raw Opus frames. ReadFrame returns
// io.EOF after the final frame. Implementations are not safe for concurrent
// reads; exactly one player owns a source at a time.
type FrameSource interface {
	// ReadFrame returns the next Opus frame.
	ReadFrame() ([]byte, error)

	io.Closer
}
