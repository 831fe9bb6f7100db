package orchestrator

import (
	"math"
	"sync"
	"time"
)

// EchoSuppressor mutes microphone chunks that correlate with the reply being played.
// The reference is aligned by wall clock: a chunk captured t after playback began is
// compared against the reference around t minus the speaker-to-mic latency.
type EchoSuppressor struct {
	mu         sync.Mutex
	sampleRate int
	reference  []float64
	startedAt  time.Time
	activeTill time.Time
	threshold  float64
	maxLatency time.Duration
	tail       time.Duration
	enabled    bool
	now        func() time.Time
}

func NewEchoSuppressor(sampleRate int) *EchoSuppressor {
	return &EchoSuppressor{
		sampleRate: sampleRate,
		threshold:  0.55,
		maxLatency: 600 * time.Millisecond,
		tail:       1200 * time.Millisecond,
		enabled:    true,
		now:        time.Now,
	}
}

// RecordPlayed registers pcm (mono s16le at the suppressor's rate) as starting playback now.
func (es *EchoSuppressor) RecordPlayed(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if !es.enabled {
		return
	}

	es.reference = bytesToSamples(pcm)
	es.startedAt = es.now()
	played := time.Duration(len(es.reference)) * time.Second / time.Duration(es.sampleRate)
	es.activeTill = es.startedAt.Add(played + es.tail)
}

// IsEcho reports whether chunk is dominated by recently played audio.
func (es *EchoSuppressor) IsEcho(chunk []byte) bool {
	es.mu.Lock()
	if !es.enabled || len(es.reference) == 0 || len(chunk) < 4 {
		es.mu.Unlock()
		return false
	}
	now := es.now()
	if now.After(es.activeTill) {
		es.mu.Unlock()
		return false
	}
	ref := es.reference
	elapsed := now.Sub(es.startedAt)
	threshold := es.threshold
	maxLatency := es.maxLatency
	es.mu.Unlock()

	in := bytesToSamples(chunk)
	n := len(in)

	end := int(elapsed * time.Duration(es.sampleRate) / time.Second)
	start := end - int(maxLatency*time.Duration(es.sampleRate)/time.Second) - n
	if start < 0 {
		start = 0
	}
	if end > len(ref)-n {
		end = len(ref) - n
	}
	if end < start {
		return false
	}

	return bestCorrelation(in, ref, start, end) > threshold
}

// Process implements audio.Processor.
func (es *EchoSuppressor) Process(chunk []byte) []byte {
	if es.IsEcho(chunk) {
		return make([]byte, len(chunk))
	}
	return chunk
}

// Reset drops the playback reference.
func (es *EchoSuppressor) Reset() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.reference = nil
	es.activeTill = time.Time{}
}

// SetThreshold adjusts the correlation above which a chunk counts as echo (0-1).
func (es *EchoSuppressor) SetThreshold(threshold float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if threshold >= 0 && threshold <= 1 {
		es.threshold = threshold
	}
}

func (es *EchoSuppressor) SetEnabled(enabled bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.enabled = enabled
	if !enabled {
		es.reference = nil
	}
}

// bestCorrelation searches ref[start:end] coarsely, then refines around the best hit.
func bestCorrelation(in, ref []float64, start, end int) float64 {
	n := len(in)
	inEnergy := calculateEnergy(in)
	if inEnergy == 0 {
		return 0
	}

	stride := n / 4
	if stride < 1 {
		stride = 1
	}

	best, bestPos := 0.0, start
	for pos := start; pos <= end; pos += stride {
		if c := correlationAt(in, inEnergy, ref, pos); c > best {
			best, bestPos = c, pos
		}
	}

	lo, hi := bestPos-stride, bestPos+stride
	if lo < start {
		lo = start
	}
	if hi > end {
		hi = end
	}
	for pos := lo; pos <= hi; pos++ {
		if c := correlationAt(in, inEnergy, ref, pos); c > best {
			best = c
			if best >= 0.999 {
				break
			}
		}
	}
	return best
}

func correlationAt(in []float64, inEnergy float64, ref []float64, pos int) float64 {
	seg := ref[pos : pos+len(in)]
	segEnergy := calculateEnergy(seg)
	if segEnergy == 0 {
		return 0
	}
	dot := 0.0
	for i := range in {
		dot += in[i] * seg[i]
	}
	c := dot / math.Sqrt(inEnergy*segEnergy)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// bytesToSamples converts 16-bit little-endian PCM to float64 samples in [-1, 1]
func bytesToSamples(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/2)
	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | (int16(data[i+1]) << 8)
		samples = append(samples, float64(sample)/32768.0)
	}
	return samples
}

func calculateEnergy(samples []float64) float64 {
	energy := 0.0
	for _, s := range samples {
		energy += s * s
	}
	return energy
}
