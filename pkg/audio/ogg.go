package audio

import (
	"bufio"
	"io"

	"github.com/jonas747/ogg"
)

// oggHeaderPackets is the number of leading Ogg metadata packets (OpusHead,
// OpusTags) preceding the audio packets.
const oggHeaderPackets = 2

// OggSource extracts raw Opus frames from an Ogg-Opus container stream,
// such as ffmpeg's opus muxer output or a plain .ogg file.
type OggSource struct {
	dec    *ogg.PacketDecoder
	closer io.Closer
	skip   int
}

// NewOggSource returns a FrameSource reading Ogg-Opus packets from r.
// If r implements io.Closer it is closed together with the source.
func NewOggSource(r io.Reader) *OggSource {
	s := &OggSource{
		dec:  ogg.NewPacketDecoder(ogg.NewDecoder(bufio.NewReader(r))),
		skip: oggHeaderPackets,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// ReadFrame returns the next Opus packet, skipping the container's two
// metadata packets. Returns io.EOF at end of stream.
func (s *OggSource) ReadFrame() ([]byte, error) {
	for {
		packet, _, err := s.dec.Decode()
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return nil, err
		}
		if s.skip > 0 {
			s.skip--
			continue
		}
		return packet, nil
	}
}

// Close closes the underlying reader when it is closable.
func (s *OggSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// oggMagic is the Ogg page capture pattern.
var oggMagic = []byte("OggS")

// Probe inspects the head of r and reports whether it is an Ogg container
// that can be fed to the player without transcoding. The returned reader
// replays the probed bytes; always use it in place of r.
func Probe(r io.Reader) (isOgg bool, replay io.Reader, err error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(oggMagic))
	if err != nil {
		return false, br, err
	}
	for i, b := range oggMagic {
		if head[i] != b {
			return false, br, nil
		}
	}
	return true, br, nil
}
