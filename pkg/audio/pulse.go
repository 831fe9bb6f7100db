package audio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// PulseMicrophone records from a PulseAudio or PipeWire source.
type PulseMicrophone struct {
	appName string
}

func NewPulseMicrophone(appName string) *PulseMicrophone {
	if appName == "" {
		appName = "lokutor-call"
	}
	return &PulseMicrophone{appName: appName}
}

func (m *PulseMicrophone) Name() string {
	return "pulse"
}

// Open starts a 16kHz mono record stream on opts.Device or the default source.
func (m *PulseMicrophone) Open(ctx context.Context, opts CaptureOptions, onPCM func([]byte)) (io.Closer, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(m.appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	var source *pulse.Source
	if opts.Device == "" || opts.Device == "default" {
		source, err = client.DefaultSource()
	} else {
		source, err = client.SourceByID(opts.Device)
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", opts.Device, err)
	}

	rec := &pulseCapture{client: client}
	onWrite := func(b []byte) (int, error) {
		rec.mu.Lock()
		closed := rec.closed
		rec.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		if len(b) == 0 {
			return 0, nil
		}
		chunk := make([]byte, len(b))
		copy(chunk, b)
		onPCM(chunk)
		return len(b), nil
	}

	stream, err := client.NewRecord(
		pulse.NewWriter(writerFunc(onWrite), pulseproto.FormatInt16LE),
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(FrameBytes),
		pulse.RecordMediaName("lokutor call"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	rec.stream = stream
	stream.Start()
	return rec, nil
}

type pulseCapture struct {
	mu     sync.Mutex
	closed bool
	client *pulse.Client
	stream *pulse.RecordStream
}

func (c *pulseCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	c.client.Close()
	return nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
