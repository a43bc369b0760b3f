package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-audio/audio"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

const frameBuffer = 64

// Sink receives raw device audio for one open source
type Sink interface {
	Write(buf *audio.IntBuffer)
	// End signals the source finished on its own.
	End()
}

// Device opens and closes raw capture for one or more sources.
//
// Close must not return while the device can still call the sink.
type Device interface {
	Open(ctx context.Context, source entities.AudioSource, sink Sink) error
	Close(source entities.AudioSource) error
}

// Adapter is the Audio Capture Adapter. It hands out at most one live handle.
type Adapter struct {
	devices      map[entities.AudioSource]Device
	frameSamples int
	logger       *zap.Logger

	mu     sync.Mutex
	active *handle
}

// Ensure Adapter implements the AudioCapture interface
var _ repositories.AudioCapture = (*Adapter)(nil)

// NewAdapter creates a capture adapter producing frames of frameMS milliseconds
func NewAdapter(devices map[entities.AudioSource]Device, frameMS int, logger *zap.Logger) *Adapter {
	return &Adapter{
		devices:      devices,
		frameSamples: FrameSamples(frameMS),
		logger:       logger,
	}
}

// fallbackOrder lists the sources tried for a preferred source.
func fallbackOrder(preferred entities.AudioSource) []entities.AudioSource {
	if preferred == entities.AudioSourceTab {
		return []entities.AudioSource{entities.AudioSourceTab, entities.AudioSourceMicrophone}
	}
	return []entities.AudioSource{preferred}
}

// Acquire opens the preferred source, falling back from tab audio to the microphone.
func (a *Adapter) Acquire(ctx context.Context, preferred entities.AudioSource) (repositories.AudioHandle, error) {
	a.mu.Lock()
	if a.active != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: capture already held by another engine", entities.ErrCapture)
	}
	// reserve the slot while devices open
	h := &handle{adapter: a, frames: make(chan []int16, frameBuffer), done: make(chan struct{})}
	a.active = h
	a.mu.Unlock()

	var lastErr error
	for _, source := range fallbackOrder(preferred) {
		device, ok := a.devices[source]
		if !ok {
			lastErr = fmt.Errorf("%w: no device for source %s", entities.ErrCapture, source)
			continue
		}

		h.source = source
		h.device = device
		h.framer = newFramer(a.frameSamples)
		if err := device.Open(ctx, source, h); err != nil {
			a.logger.Warn("Capture source unavailable",
				zap.String("source", string(source)),
				zap.Error(err))
			lastErr = err
			continue
		}

		if source != preferred {
			a.logger.Info("Capture fell back to alternate source",
				zap.String("preferred", string(preferred)),
				zap.String("source", string(source)))
		}
		return h, nil
	}

	a.mu.Lock()
	a.active = nil
	a.mu.Unlock()

	if lastErr == nil {
		lastErr = entities.ErrCapture
	}
	if !errors.Is(lastErr, entities.ErrAudioCaptureDenied) && !errors.Is(lastErr, entities.ErrCapture) {
		lastErr = fmt.Errorf("%w: %v", entities.ErrCapture, lastErr)
	}
	return nil, lastErr
}

func (a *Adapter) releaseSlot(h *handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == h {
		a.active = nil
	}
}

// handle is one exclusive capture lease
type handle struct {
	adapter *Adapter
	source  entities.AudioSource
	device  Device
	frames  chan []int16
	done    chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	framer   *framer
	closed   bool
}

func (h *handle) Source() entities.AudioSource { return h.source }

func (h *handle) Frames() <-chan []int16 { return h.frames }

// Write implements Sink
func (h *handle) Write(buf *audio.IntBuffer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.framer.push(buf, h.deliver)
}

// End implements Sink
func (h *handle) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.framer.flush(h.deliver)
	h.closed = true
	close(h.frames)
}

func (h *handle) deliver(frame []int16) bool {
	select {
	case h.frames <- frame:
		return true
	case <-h.done:
		return false
	}
}

// Release stops the device. No frame is delivered after it returns.
func (h *handle) Release() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.done)
		err = h.device.Close(h.source)

		h.mu.Lock()
		if !h.closed {
			h.closed = true
			close(h.frames)
		}
		h.mu.Unlock()

		h.adapter.releaseSlot(h)
		h.adapter.logger.Debug("Capture released", zap.String("source", string(h.source)))
	})
	return err
}
