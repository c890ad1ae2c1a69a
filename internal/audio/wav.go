package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	MimeTypeWAV = "audio/wav"

	wavHeaderSize = 44
	formatPCM     = 1
)

var ErrInvalidWAV = errors.New("invalid wav container")

// Format describes raw PCM as produced by the upstream service.
type Format struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// DefaultFormat matches the upstream pcm16 output: mono, 24 kHz, 16-bit.
var DefaultFormat = Format{
	SampleRate:    24000,
	BitsPerSample: 16,
	Channels:      1,
}

func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("bits per sample must be a positive multiple of 8, got %d", f.BitsPerSample)
	}
	return nil
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// EncodeWAV wraps raw PCM in a canonical 44-byte RIFF/WAVE header.
// The samples are copied verbatim after the header.
func EncodeWAV(pcm []byte, f Format) []byte {
	dataLen := len(pcm)
	out := make([]byte, wavHeaderSize+dataLen)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], formatPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.BitsPerSample))

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))

	copy(out[wavHeaderSize:], pcm)
	return out
}

// DecodeWAV reads a container produced by EncodeWAV, taking the format and
// data length from the header fields.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < wavHeaderSize {
		return nil, Format{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidWAV, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("%w: missing RIFF/WAVE tags", ErrInvalidWAV)
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return nil, Format{}, fmt.Errorf("%w: unexpected chunk layout", ErrInvalidWAV)
	}
	if binary.LittleEndian.Uint16(data[20:22]) != formatPCM {
		return nil, Format{}, fmt.Errorf("%w: not uncompressed pcm", ErrInvalidWAV)
	}

	f := Format{
		Channels:      int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(data[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(data[34:36])),
	}

	dataLen := int(binary.LittleEndian.Uint32(data[40:44]))
	if dataLen > len(data)-wavHeaderSize {
		return nil, Format{}, fmt.Errorf("%w: data length %d exceeds payload", ErrInvalidWAV, dataLen)
	}

	pcm := make([]byte, dataLen)
	copy(pcm, data[wavHeaderSize:wavHeaderSize+dataLen])
	return pcm, f, nil
}
