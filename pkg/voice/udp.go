package voice

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// discoveryPacketSize is the size of the IP discovery request and response.
const discoveryPacketSize = 74

// rtpHeaderSize is the fixed RTP header length preceding the encrypted
// Opus payload.
const rtpHeaderSize = 12

// discoverIP performs the platform's UDP hole-punch exchange and returns
// the external address and port the voice server sees for this socket.
func discoverIP(conn *net.UDPConn, ssrc uint32) (string, uint16, error) {
	packet := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(packet[0:2], 0x1) // request
	binary.BigEndian.PutUint16(packet[2:4], 70)  // payload length
	binary.BigEndian.PutUint32(packet[4:8], ssrc)

	if _, err := conn.Write(packet); err != nil {
		return "", 0, fmt.Errorf("voice: send discovery packet: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", 0, err
	}
	defer conn.SetReadDeadline(time.Time{})

	resp := make([]byte, discoveryPacketSize)
	n, err := conn.Read(resp)
	if err != nil {
		return "", 0, fmt.Errorf("voice: read discovery response: %w", err)
	}
	if n < discoveryPacketSize {
		return "", 0, fmt.Errorf("voice: short discovery response (%d bytes)", n)
	}

	address := parseCString(resp[8 : 8+64])
	port := binary.BigEndian.Uint16(resp[72:74])
	return address, port, nil
}

// parseCString extracts a NUL-terminated string from b.
func parseCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// packetizer seals Opus frames into encrypted RTP packets. It is owned by
// the connection's send path; sequence and timestamp advance one frame
// (960 samples) per packet.
type packetizer struct {
	ssrc      uint32
	secret    [32]byte
	sequence  uint16
	timestamp uint32
}

// packet returns the next encrypted RTP packet carrying frame.
func (p *packetizer) packet(frame []byte, samplesPerFrame uint32) []byte {
	header := make([]byte, rtpHeaderSize)
	header[0] = 0x80
	header[1] = 0x78
	binary.BigEndian.PutUint16(header[2:4], p.sequence)
	binary.BigEndian.PutUint32(header[4:8], p.timestamp)
	binary.BigEndian.PutUint32(header[8:12], p.ssrc)

	p.sequence++
	p.timestamp += samplesPerFrame

	var nonce [24]byte
	copy(nonce[:], header)

	return secretbox.Seal(header, frame, &nonce, &p.secret)
}
