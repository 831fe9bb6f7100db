package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func tone(n int, amp int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.Equal(t, 0.0, RMS(make([]byte, 640)))
	assert.InDelta(t, 0.5, RMS(tone(320, 16384)), 0.001)
}

func TestNoiseGateSilencesSteadyFloor(t *testing.T) {
	g := NewNoiseGate()
	hum := tone(320, 200)
	var out []byte
	for i := 0; i < 20; i++ {
		out = g.Process(hum)
	}
	assert.Equal(t, 0.0, RMS(out))

	speech := tone(320, 8000)
	assert.Equal(t, speech, g.Process(speech))
}

func TestAutoGainBoostsQuietSpeech(t *testing.T) {
	a := NewAutoGain()
	quiet := tone(320, 800)
	var out []byte
	for i := 0; i < 30; i++ {
		out = a.Process(quiet)
	}
	assert.Greater(t, RMS(out), RMS(quiet))

	a.Reset()
	silence := make([]byte, 640)
	assert.Equal(t, silence, a.Process(silence))
}
