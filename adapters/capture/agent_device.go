package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain"
	"github.com/meetscribe/transcriber/domain/entities"
)

// CaptureRequester sends capture control messages to the browser agent
type CaptureRequester interface {
	RequestCapture(source entities.AudioSource, start bool) error
}

type openResult struct {
	format *audio.Format
	err    error
}

// AgentDevice captures tab or microphone audio through the connected browser
// agent. The agent confirms with CAPTURE_STARTED and then streams raw PCM16LE
// as binary frames.
type AgentDevice struct {
	requester   CaptureRequester
	openTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	pending map[entities.AudioSource]chan openResult
	source  entities.AudioSource
	sink    Sink
	format  *audio.Format
}

// NewAgentDevice creates a device bound to one agent connection
func NewAgentDevice(requester CaptureRequester, openTimeout time.Duration, logger *zap.Logger) *AgentDevice {
	return &AgentDevice{
		requester:   requester,
		openTimeout: openTimeout,
		logger:      logger,
		pending:     make(map[entities.AudioSource]chan openResult),
	}
}

// Open asks the agent to start capturing and waits for its confirmation
func (d *AgentDevice) Open(ctx context.Context, source entities.AudioSource, sink Sink) error {
	result := make(chan openResult, 1)
	d.mu.Lock()
	d.pending[source] = result
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, source)
		d.mu.Unlock()
	}()

	if err := d.requester.RequestCapture(source, true); err != nil {
		return fmt.Errorf("%w: failed to request %s capture: %v", entities.ErrCapture, source, err)
	}

	timer := time.NewTimer(d.openTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = d.requester.RequestCapture(source, false)
		return fmt.Errorf("%w: %v", entities.ErrCapture, ctx.Err())
	case <-timer.C:
		_ = d.requester.RequestCapture(source, false)
		return fmt.Errorf("%w: agent did not confirm %s capture within %s", entities.ErrCapture, source, d.openTimeout)
	case res := <-result:
		if res.err != nil {
			return res.err
		}
		d.mu.Lock()
		d.source = source
		d.sink = sink
		d.format = res.format
		d.mu.Unlock()

		d.logger.Info("Agent capture started",
			zap.String("source", string(source)),
			zap.Int("sampleRate", res.format.SampleRate),
			zap.Int("channels", res.format.NumChannels))
		return nil
	}
}

// Close detaches the sink and tells the agent to stop capturing
func (d *AgentDevice) Close(source entities.AudioSource) error {
	d.mu.Lock()
	if d.source == source {
		d.sink = nil
		d.format = nil
		d.source = ""
	}
	d.mu.Unlock()

	if err := d.requester.RequestCapture(source, false); err != nil {
		return fmt.Errorf("failed to request capture stop: %w", err)
	}
	return nil
}

// HandleStarted resolves a pending Open
func (d *AgentDevice) HandleStarted(msg domain.CaptureStartedMessage) {
	channels := msg.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := msg.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	d.resolve(entities.AudioSource(msg.Source), openResult{
		format: &audio.Format{NumChannels: channels, SampleRate: rate},
	})
}

// HandleFailed resolves a pending Open with an error
func (d *AgentDevice) HandleFailed(msg domain.CaptureFailedMessage) {
	var err error
	if msg.PermissionDenied {
		err = fmt.Errorf("%w: %s", entities.ErrAudioCaptureDenied, msg.Error)
	} else {
		err = fmt.Errorf("%w: %s", entities.ErrCapture, msg.Error)
	}
	d.resolve(entities.AudioSource(msg.Source), openResult{err: err})
}

func (d *AgentDevice) resolve(source entities.AudioSource, res openResult) {
	d.mu.Lock()
	ch, ok := d.pending[source]
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("Capture confirmation without pending request", zap.String("source", string(source)))
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// Push forwards one binary PCM16LE frame from the agent
func (d *AgentDevice) Push(data []byte) {
	d.mu.Lock()
	sink, format := d.sink, d.format
	d.mu.Unlock()

	if sink == nil {
		return
	}
	if len(data)%2 != 0 {
		d.logger.Warn("Dropping misaligned PCM frame", zap.Int("size", len(data)))
		return
	}

	samples := make([]int, len(data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	sink.Write(&audio.IntBuffer{Format: format, Data: samples, SourceBitDepth: bitDepth})
}
