// Package track implements the opaque track descriptor blob exchanged with
// clients. A descriptor is a small binary record (flags, format version,
// track metadata) encoded as standard base64. The layout is bit-compatible
// with the upstream gateway: one-byte flags, one-byte version, length-prefixed
// UTF-8 strings and big-endian 64-bit millisecond values.
package track

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Version is the descriptor format version written by Encode. Decode accepts
// any version; unknown future fields are not expected inside a fixed-version
// record.
const Version = 2

// maxStringLen bounds a single length-prefixed string (the prefix is u16).
const maxStringLen = math.MaxUint16

// ErrTooLong is returned by Encode when a string field exceeds the u16
// length prefix.
var ErrTooLong = errors.New("track: string field exceeds 65535 bytes")

// Source names recognised by the resolver registry.
const (
	SourceYouTube    = "youtube"
	SourceSoundCloud = "soundcloud"
	SourceLocal      = "local"
	SourceHTTP       = "http"
)

// Info is the decoded form of a track descriptor. Values are immutable once
// decoded; Position is the start offset recorded at encode time, not live
// playback position.
type Info struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	SourceName string `json:"sourceName"`
}

// Encode serialises info into an opaque base64 blob.
func Encode(info Info) (string, error) {
	var buf bytes.Buffer

	buf.WriteByte(0) // flags
	buf.WriteByte(Version)

	for _, s := range []string{info.Title, info.Author} {
		if err := writeUTF(&buf, s); err != nil {
			return "", err
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(info.Length)); err != nil {
		return "", err
	}
	if err := writeUTF(&buf, info.Identifier); err != nil {
		return "", err
	}
	writeBool(&buf, info.IsStream)
	writeBool(&buf, info.URI != "")
	if info.URI != "" {
		if err := writeUTF(&buf, info.URI); err != nil {
			return "", err
		}
	}
	if err := writeUTF(&buf, info.SourceName); err != nil {
		return "", err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(info.Position)); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode parses a base64 blob produced by Encode (or by a compatible
// implementation) back into an Info.
func Decode(blob string) (Info, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Info{}, fmt.Errorf("track: decode base64: %w", err)
	}
	r := bytes.NewReader(raw)

	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Info{}, fmt.Errorf("track: read header: %w", err)
	}

	var info Info
	if info.Title, err = readUTF(r); err != nil {
		return Info{}, fmt.Errorf("track: read title: %w", err)
	}
	if info.Author, err = readUTF(r); err != nil {
		return Info{}, fmt.Errorf("track: read author: %w", err)
	}
	var length uint64
	if err = binary.Read(r, binary.BigEndian, &length); err != nil {
		return Info{}, fmt.Errorf("track: read length: %w", err)
	}
	info.Length = int64(length)
	if info.Identifier, err = readUTF(r); err != nil {
		return Info{}, fmt.Errorf("track: read identifier: %w", err)
	}
	if info.IsStream, err = readBool(r); err != nil {
		return Info{}, fmt.Errorf("track: read isStream: %w", err)
	}
	hasURI, err := readBool(r)
	if err != nil {
		return Info{}, fmt.Errorf("track: read uri presence: %w", err)
	}
	if hasURI {
		if info.URI, err = readUTF(r); err != nil {
			return Info{}, fmt.Errorf("track: read uri: %w", err)
		}
	}
	if info.SourceName, err = readUTF(r); err != nil {
		return Info{}, fmt.Errorf("track: read sourceName: %w", err)
	}
	var position uint64
	if err = binary.Read(r, binary.BigEndian, &position); err != nil {
		return Info{}, fmt.Errorf("track: read position: %w", err)
	}
	info.Position = int64(position)

	// Local and HTTP tracks are seekable unless they are live streams; the
	// flag is derived rather than stored so that round-trips stay stable.
	info.IsSeekable = !info.IsStream

	return info, nil
}

func writeUTF(buf *bytes.Buffer, s string) error {
	if len(s) > maxStringLen {
		return ErrTooLong
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(s)))
	buf.Write(prefix[:])
	buf.WriteString(s)
	return nil
}

func readUTF(r *bytes.Reader) (string, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(prefix[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}
