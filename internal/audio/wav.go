package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps PCM16LE data in a WAV container.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid wav format %+v", format)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := Samples(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	out := &writeSeeker{}
	enc := wav.NewEncoder(out, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// EncodeWAVBlob is EncodeWAV returning a tagged Blob.
func EncodeWAVBlob(pcm []byte, format Format) (Blob, error) {
	data, err := EncodeWAV(pcm, format)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, Encoding: EncodingWAV}, nil
}

// DecodeWAV returns the PCM16LE payload of a WAV file and its format.
// 8, 24 and 32 bit integer sources are rescaled to 16 bit.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("read wav pcm: %w", err)
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if !format.Valid() {
		return nil, Format{}, fmt.Errorf("wav header has invalid format %+v", format)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch dec.BitDepth {
		case 8:
			samples[i] = int16((v - 128) << 8)
		case 24:
			samples[i] = int16(v >> 8)
		case 32:
			samples[i] = int16(v >> 16)
		default:
			samples[i] = int16(v)
		}
	}
	return Bytes(samples), format, nil
}

// writeSeeker is an in-memory io.WriteSeeker for the wav encoder, which
// rewinds to patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(next)
	return next, nil
}
