package audio

import "math"

const (
	// SampleRate is the capture rate expected by downstream transcription.
	SampleRate = 16000
	// FrameBytes is 20ms of mono s16le at SampleRate.
	FrameBytes = 640
)

// CaptureOptions mirrors the processing a browser applies to a call microphone.
type CaptureOptions struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
	// Device selects a backend-specific input; empty means the system default.
	Device string
}

// DefaultCaptureOptions enables all capture processing.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGain:         true,
	}
}

// Processor transforms one captured PCM chunk and returns the result.
type Processor interface {
	Process(chunk []byte) []byte
	Reset()
}

// RMS returns the normalized root mean square of s16le PCM.
func RMS(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}

	var sum float64
	n := len(chunk) / 2
	for i := 0; i < n; i++ {
		f := float64(sampleAt(chunk, i)) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}

// NoiseGate zeroes chunks that sit near a slowly adapting noise floor.
type NoiseGate struct {
	floor  float64
	ratio  float64
	primed bool
}

func NewNoiseGate() *NoiseGate {
	return &NoiseGate{ratio: 1.6}
}

func (g *NoiseGate) Process(chunk []byte) []byte {
	level := RMS(chunk)
	if !g.primed {
		g.floor = level
		g.primed = true
	}

	// Falls quickly, rises slowly, so speech does not drag the floor up.
	if level < g.floor {
		g.floor = 0.7*g.floor + 0.3*level
	} else {
		g.floor = 0.995*g.floor + 0.005*level
	}

	if level <= g.floor*g.ratio {
		return make([]byte, len(chunk))
	}
	return chunk
}

func (g *NoiseGate) Reset() {
	g.floor = 0
	g.primed = false
}

// AutoGain scales quiet speech toward a target level.
type AutoGain struct {
	target  float64
	maxGain float64
	gain    float64
}

func NewAutoGain() *AutoGain {
	return &AutoGain{target: 0.1, maxGain: 8, gain: 1}
}

func (a *AutoGain) Process(chunk []byte) []byte {
	level := RMS(chunk)
	if level < 0.002 {
		return chunk
	}

	want := a.target / level
	if want > a.maxGain {
		want = a.maxGain
	}
	if want < 1 {
		want = 1
	}
	a.gain = 0.8*a.gain + 0.2*want

	out := make([]byte, len(chunk))
	for i := 0; i < len(chunk)/2; i++ {
		v := float64(sampleAt(chunk, i)) * a.gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		s := int16(v)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func (a *AutoGain) Reset() {
	a.gain = 1
}
