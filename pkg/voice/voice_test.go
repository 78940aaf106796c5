package voice

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/crypto/nacl/secretbox"
)

func TestCloseReason_KnownCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want string
	}{
		{4001, "Unknown opcode"},
		{4004, "Authentication failed"},
		{4006, "Session is no longer valid"},
		{4014, "Disconnected"},
		{4016, "Unknown encryption mode"},
	}
	for _, tc := range cases {
		if got := CloseReason(tc.code); got != tc.want {
			t.Errorf("CloseReason(%d): got %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestCloseReason_UnknownCodePassesThrough(t *testing.T) {
	t.Parallel()

	if got := CloseReason(4999); got != "Closed with code 4999" {
		t.Errorf("got %q", got)
	}
}

func TestPacketizer_HeaderLayout(t *testing.T) {
	t.Parallel()

	p := packetizer{ssrc: 0xDEADBEEF, sequence: 7, timestamp: 960}
	frame := []byte{0x01, 0x02, 0x03}
	pkt := p.packet(frame, 960)

	if pkt[0] != 0x80 || pkt[1] != 0x78 {
		t.Errorf("rtp preamble: got %#x %#x, want 0x80 0x78", pkt[0], pkt[1])
	}
	if got := binary.BigEndian.Uint16(pkt[2:4]); got != 7 {
		t.Errorf("sequence: got %d, want 7", got)
	}
	if got := binary.BigEndian.Uint32(pkt[4:8]); got != 960 {
		t.Errorf("timestamp: got %d, want 960", got)
	}
	if got := binary.BigEndian.Uint32(pkt[8:12]); got != 0xDEADBEEF {
		t.Errorf("ssrc: got %#x, want 0xDEADBEEF", got)
	}

	// Counters advance one frame per packet.
	if p.sequence != 8 {
		t.Errorf("sequence after packet: got %d, want 8", p.sequence)
	}
	if p.timestamp != 1920 {
		t.Errorf("timestamp after packet: got %d, want 1920", p.timestamp)
	}
}

func TestPacketizer_SealsWithHeaderNonce(t *testing.T) {
	t.Parallel()

	p := packetizer{ssrc: 1}
	for i := range p.secret {
		p.secret[i] = byte(i)
	}
	frame := []byte("opus-frame-bytes")
	pkt := p.packet(frame, 960)

	var nonce [24]byte
	copy(nonce[:], pkt[:rtpHeaderSize])
	opened, ok := secretbox.Open(nil, pkt[rtpHeaderSize:], &nonce, &p.secret)
	if !ok {
		t.Fatal("secretbox.Open failed: packet not sealed with header nonce")
	}
	if !bytes.Equal(opened, frame) {
		t.Errorf("decrypted payload: got %q, want %q", opened, frame)
	}
}

func TestParseCString(t *testing.T) {
	t.Parallel()

	b := make([]byte, 64)
	copy(b, "203.0.113.7")
	if got := parseCString(b); got != "203.0.113.7" {
		t.Errorf("got %q, want %q", got, "203.0.113.7")
	}
}
