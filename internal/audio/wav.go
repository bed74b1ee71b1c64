package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// PCM WAV handling for 16-bit mono/stereo audio. Both the STT chunker
// and the TTS concatenator depend on the split/concat round-trip being
// byte-identical on the PCM payload, with RIFF size fields recomputed
// for the new data length. Parse walks the RIFF chunk list, so inputs
// carrying extra chunks (LIST, fact) decode the same as the canonical
// 44-byte layout Encode produces.

const headerSize = 44

var ErrInvalidWAV = errors.New("audio: invalid wav data")

type Meta struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
}

func (m Meta) byteRate() int {
	return m.SampleRate * m.Channels * m.BitsPerSample / 8
}

func (m Meta) blockAlign() int {
	return m.Channels * m.BitsPerSample / 8
}

// Parse walks the RIFF chunks to locate fmt and data, and returns the
// format plus the raw PCM payload. Chunks it does not know are skipped
// by their declared size. The payload aliases the input; callers must
// not mutate it.
func Parse(b []byte) (Meta, []byte, error) {
	if len(b) < 12 {
		return Meta{}, nil, fmt.Errorf("%w: %d bytes is shorter than a RIFF header", ErrInvalidWAV, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Meta{}, nil, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrInvalidWAV)
	}

	var (
		m        Meta
		pcm      []byte
		haveFmt  bool
		haveData bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			return Meta{}, nil, fmt.Errorf("%w: chunk %q overruns the file", ErrInvalidWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Meta{}, nil, fmt.Errorf("%w: fmt chunk too short", ErrInvalidWAV)
			}
			m = Meta{
				Channels:      int(binary.LittleEndian.Uint16(b[body+2 : body+4])),
				SampleRate:    int(binary.LittleEndian.Uint32(b[body+4 : body+8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(b[body+14 : body+16])),
			}
			haveFmt = true
		case "data":
			pcm = b[body : body+size]
			haveData = true
		}
		if haveFmt && haveData {
			break
		}
		off = body + size
		// RIFF chunks are word-aligned; odd sizes carry a pad byte.
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt || !haveData {
		return Meta{}, nil, fmt.Errorf("%w: missing fmt or data chunk", ErrInvalidWAV)
	}
	if m.Channels <= 0 || m.SampleRate <= 0 || m.BitsPerSample <= 0 {
		return Meta{}, nil, fmt.Errorf("%w: bad format fields", ErrInvalidWAV)
	}
	return m, pcm, nil
}

// Encode wraps a PCM payload in a freshly computed 44-byte header.
func Encode(pcm []byte, m Meta) []byte {
	out := make([]byte, headerSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(m.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(m.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(m.byteRate()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(m.blockAlign()))
	binary.LittleEndian.PutUint16(out[34:36], uint16(m.BitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerSize:], pcm)
	return out
}

// Duration computes playback length from the data size and byte rate.
func Duration(b []byte) (time.Duration, error) {
	m, pcm, err := Parse(b)
	if err != nil {
		return 0, err
	}
	br := m.byteRate()
	if br <= 0 {
		return 0, ErrInvalidWAV
	}
	return time.Duration(float64(len(pcm)) / float64(br) * float64(time.Second)), nil
}

// Split cuts a WAV file into chunks of at most chunkLen each. Chunk
// boundaries are aligned to whole frames so no sample is torn.
func Split(b []byte, chunkLen time.Duration) ([][]byte, error) {
	m, pcm, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if chunkLen <= 0 {
		return [][]byte{Encode(pcm, m)}, nil
	}

	bytesPerChunk := int(float64(m.byteRate()) * chunkLen.Seconds())
	align := m.blockAlign()
	if align > 0 {
		bytesPerChunk -= bytesPerChunk % align
	}
	if bytesPerChunk <= 0 {
		return [][]byte{Encode(pcm, m)}, nil
	}

	var out [][]byte
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, Encode(pcm[off:end], m))
	}
	if len(out) == 0 {
		out = append(out, Encode(nil, m))
	}
	return out, nil
}

// Concat merges WAV chunks back into one file. All chunks must share
// the same format; the header is recomputed for the combined length.
func Concat(chunks [][]byte) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", ErrInvalidWAV)
	}
	first, pcm, err := Parse(chunks[0])
	if err != nil {
		return nil, err
	}
	merged := append([]byte(nil), pcm...)
	for _, c := range chunks[1:] {
		m, p, err := Parse(c)
		if err != nil {
			return nil, err
		}
		if m != first {
			return nil, fmt.Errorf("%w: mismatched chunk formats", ErrInvalidWAV)
		}
		merged = append(merged, p...)
	}
	return Encode(merged, first), nil
}
