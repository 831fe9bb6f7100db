package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/youpy/go-wav"
)

// NewWavBuffer wraps mono 16-bit little-endian PCM in a WAV container.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	samples := make([]wav.Sample, len(pcm)/2)
	for i := range samples {
		v := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		samples[i] = wav.Sample{Values: [2]int{int(v), 0}}
	}

	w := wav.NewWriter(buf, uint32(len(samples)), 1, uint32(sampleRate), 16)
	_ = w.WriteSamples(samples)

	return buf.Bytes()
}

// PCM is decoded mono 16-bit little-endian audio.
type PCM struct {
	Data       []byte
	SampleRate int
}

// Duration in milliseconds.
func (p PCM) DurationMs() int {
	if p.SampleRate <= 0 {
		return 0
	}
	return len(p.Data) / 2 * 1000 / p.SampleRate
}

// DecodeWav reads a PCM WAV payload and downmixes it to mono s16le.
func DecodeWav(data []byte) (PCM, error) {
	if len(data) == 0 {
		return PCM{}, errors.New("empty wav payload")
	}

	r := wav.NewReader(bytes.NewReader(data))
	format, err := r.Format()
	if err != nil {
		return PCM{}, fmt.Errorf("wav format: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM {
		return PCM{}, fmt.Errorf("unsupported wav encoding %d", format.AudioFormat)
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return PCM{}, fmt.Errorf("unsupported channel count %d", channels)
	}

	out := new(bytes.Buffer)
	for {
		// Streamed headers (espeak-ng --stdout) carry placeholder sizes, so the
		// final batch can arrive together with io.EOF.
		samples, err := r.ReadSamples()
		for _, s := range samples {
			v := r.FloatValue(s, 0)
			if channels == 2 {
				v = (v + r.FloatValue(s, 1)) / 2
			}
			writeSample(out, floatToInt16(v))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return PCM{}, fmt.Errorf("wav samples: %w", err)
		}
	}

	return PCM{Data: out.Bytes(), SampleRate: int(format.SampleRate)}, nil
}

// Resample converts mono s16le PCM between sample rates with linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 4 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	in := len(pcm) / 2
	n := int(int64(in) * int64(to) / int64(from))
	out := new(bytes.Buffer)
	out.Grow(n * 2)

	ratio := float64(from) / float64(to)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= in-1 {
			writeSample(out, sampleAt(pcm, in-1))
			continue
		}
		frac := pos - float64(idx)
		a := float64(sampleAt(pcm, idx))
		b := float64(sampleAt(pcm, idx+1))
		writeSample(out, int16(a+(b-a)*frac))
	}
	return out.Bytes()
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

func writeSample(buf *bytes.Buffer, v int16) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
}

func floatToInt16(v float64) int16 {
	s := math.Round(v * 32768)
	if s > math.MaxInt16 {
		s = math.MaxInt16
	} else if s < math.MinInt16 {
		s = math.MinInt16
	}
	return int16(s)
}
