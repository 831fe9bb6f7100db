package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoMicrophone captures mono s16le PCM through miniaudio.
type MalgoMicrophone struct{}

func NewMalgoMicrophone() *MalgoMicrophone {
	return &MalgoMicrophone{}
}

func (m *MalgoMicrophone) Name() string {
	return "malgo"
}

// Open starts a capture device and forwards every callback buffer to onPCM.
// onPCM runs on the audio thread and receives a copy it may retain.
func (m *MalgoMicrophone) Open(ctx context.Context, opts CaptureOptions, onPCM func([]byte)) (io.Closer, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = SampleRate
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			if len(pInput) == 0 {
				return
			}
			chunk := make([]byte, len(pInput))
			copy(chunk, pInput)
			onPCM(chunk)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	return &malgoCapture{ctx: mctx, device: device}, nil
}

type malgoCapture struct {
	once   sync.Once
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func (c *malgoCapture) Close() error {
	var err error
	c.once.Do(func() {
		err = c.device.Stop()
		c.device.Uninit()
		if uerr := c.ctx.Uninit(); err == nil {
			err = uerr
		}
		c.ctx.Free()
	})
	return err
}

// MalgoPlayer plays WAV clips through the default output device.
type MalgoPlayer struct {
	mu     sync.Mutex
	cancel chan struct{}
}

func NewMalgoPlayer() *MalgoPlayer {
	return &MalgoPlayer{}
}

func (p *MalgoPlayer) Name() string {
	return "malgo"
}

// Play blocks until the clip drains, ctx is done, or Stop is called.
func (p *MalgoPlayer) Play(ctx context.Context, wav []byte) error {
	clip, err := DecodeWav(wav)
	if err != nil {
		return err
	}
	if len(clip.Data) == 0 {
		return nil
	}

	stop := make(chan struct{})
	p.mu.Lock()
	if p.cancel != nil {
		close(p.cancel)
	}
	p.cancel = stop
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.cancel == stop {
			p.cancel = nil
		}
		p.mu.Unlock()
	}()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(clip.SampleRate)
	cfg.Alsa.NoMMap = 1

	var (
		bufMu   sync.Mutex
		pending = clip.Data
		drained = make(chan struct{})
		once    sync.Once
	)

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			bufMu.Lock()
			n := copy(pOutput, pending)
			pending = pending[n:]
			empty := len(pending) == 0
			bufMu.Unlock()

			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			if empty {
				once.Do(func() { close(drained) })
			}
		},
	})
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	defer func() { _ = device.Stop() }()

	select {
	case <-drained:
		return nil
	case <-stop:
		return ErrPlaybackStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts the clip currently playing, if any.
func (p *MalgoPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		close(p.cancel)
		p.cancel = nil
	}
}

// ErrPlaybackStopped is returned by Play when Stop interrupts it.
var ErrPlaybackStopped = errors.New("playback stopped")
