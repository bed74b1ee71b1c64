package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Endpointing support: measure how long the tail of a chunk has been
// quiet. The session flushes a pending utterance once trailing silence
// crosses its configured threshold.

const silenceFrame = 20 * time.Millisecond

// DefaultSilenceRMS is the normalized RMS floor below which a frame
// counts as silent.
const DefaultSilenceRMS = 0.004

// TrailingSilence returns the duration of consecutive silent frames at
// the end of a 16-bit PCM WAV chunk.
func TrailingSilence(b []byte, rmsThreshold float64) (time.Duration, error) {
	m, pcm, err := Parse(b)
	if err != nil {
		return 0, err
	}
	if m.BitsPerSample != 16 {
		return 0, ErrInvalidWAV
	}
	if rmsThreshold <= 0 {
		rmsThreshold = DefaultSilenceRMS
	}

	frameBytes := int(float64(m.byteRate()) * silenceFrame.Seconds())
	align := m.blockAlign()
	if align > 0 {
		frameBytes -= frameBytes % align
	}
	if frameBytes <= 0 {
		return 0, nil
	}

	var silent time.Duration
	for end := len(pcm); end >= frameBytes; end -= frameBytes {
		if frameRMS(pcm[end-frameBytes:end]) >= rmsThreshold {
			break
		}
		silent += silenceFrame
	}
	return silent, nil
}

func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
