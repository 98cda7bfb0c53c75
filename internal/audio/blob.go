// Package audio carries opaque audio payloads between the capture, pipeline
// and playback packages, plus the WAV and PCM helpers they share.
package audio

import "bytes"

const (
	EncodingWAV   = "audio/wav"
	EncodingMPEG  = "audio/mpeg"
	EncodingWebM  = "audio/webm"
	EncodingOctet = "application/octet-stream"
)

// Blob is a byte payload tagged with its declared encoding.
type Blob struct {
	Data     []byte
	Encoding string
}

func NewBlob(data []byte, encoding string) Blob {
	if encoding == "" {
		encoding = SniffEncoding(data)
	}
	return Blob{Data: data, Encoding: encoding}
}

func (b Blob) Len() int { return len(b.Data) }

func (b Blob) Empty() bool { return len(b.Data) == 0 }

// SniffEncoding guesses an encoding tag from the leading magic bytes.
func SniffEncoding(data []byte) string {
	switch {
	case IsWAV(data):
		return EncodingWAV
	case bytes.HasPrefix(data, []byte("ID3")),
		len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return EncodingMPEG
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return EncodingWebM
	default:
		return EncodingOctet
	}
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
