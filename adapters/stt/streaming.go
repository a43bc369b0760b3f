package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

const eventBuffer = 64

// Transport connects to a streaming recognition provider
type Transport interface {
	Name() string
	Connect(ctx context.Context, credential string) (TransportConn, error)
}

// TransportConn is one live provider connection.
//
// Recv returns io.EOF after a graceful close and an error wrapping
// entities.ErrTransportDrop when the connection is lost. Any other error is an
// engine-level failure that is not retried at the transport level.
type TransportConn interface {
	Send(pcm []byte) error
	Recv() (entities.TranscriptEvent, error)
	// CloseGracefully ends the audio stream and asks the provider for a normal close.
	CloseGracefully() error
	Close() error
}

// ReconnectPolicy bounds transport reconnects
type ReconnectPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given reconnect attempt (1-based)
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// StreamingClient is the cloud recognition engine. It owns transport-level
// reconnects; only engine-level failures reach its owner as a terminal
// Disconnected event.
type StreamingClient struct {
	transport   Transport
	credential  string
	policy      ReconnectPolicy
	stopTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger

	events chan entities.EngineEvent

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
}

// Ensure StreamingClient implements the RecognitionEngine interface
var _ repositories.RecognitionEngine = (*StreamingClient)(nil)

// NewStreamingClient creates a streaming engine bound to a credential
func NewStreamingClient(transport Transport, credential string, policy ReconnectPolicy, stopTimeout time.Duration, clk clock.Clock, logger *zap.Logger) *StreamingClient {
	if clk == nil {
		clk = clock.New()
	}
	return &StreamingClient{
		transport:   transport,
		credential:  credential,
		policy:      policy,
		stopTimeout: stopTimeout,
		clock:       clk,
		logger:      logger.With(zap.String("transport", transport.Name())),
		events:      make(chan entities.EngineEvent, eventBuffer),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (c *StreamingClient) Kind() entities.EngineKind { return entities.EngineStreaming }

func (c *StreamingClient) Events() <-chan entities.EngineEvent { return c.events }

// Start connects to the provider and begins streaming audio
func (c *StreamingClient) Start(ctx context.Context, audio repositories.AudioHandle) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		audio.Release()
		return fmt.Errorf("%w: streaming client already started", entities.ErrEngineInit)
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.transport.Connect(ctx, c.credential)
	if err != nil {
		audio.Release()
		close(c.done)
		close(c.events)
		if entities.IsFatal(err) {
			return err
		}
		return fmt.Errorf("%w: %w", entities.ErrEngineInit, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("Streaming recognition connected", zap.String("audioSource", string(audio.Source())))
	c.emit(runCtx, entities.ConnectedEvent())

	go c.run(runCtx, conn, audio)
	return nil
}

// Stop ends the stream gracefully and waits for the client to shut down
func (c *StreamingClient) Stop() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}

	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.done:
		return nil
	case <-time.After(c.stopTimeout):
	}

	c.logger.Warn("Graceful stream close timed out, forcing shutdown")
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}

func (c *StreamingClient) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *StreamingClient) emit(ctx context.Context, ev entities.EngineEvent) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *StreamingClient) run(ctx context.Context, conn TransportConn, audio repositories.AudioHandle) {
	defer close(c.done)
	defer close(c.events)
	defer audio.Release()

	for {
		err := c.stream(ctx, conn, audio)
		if err == nil || c.stopping() {
			return
		}

		if !errors.Is(err, entities.ErrTransportDrop) {
			c.logger.Warn("Streaming recognition failed", zap.Error(err))
			c.emit(ctx, entities.DisconnectedEvent(err, false))
			return
		}

		c.logger.Warn("Streaming transport dropped, reconnecting", zap.Error(err))
		c.emit(ctx, entities.DisconnectedEvent(err, true))

		conn, err = c.reconnect(ctx, audio)
		if err != nil {
			if !c.stopping() {
				c.emit(ctx, entities.DisconnectedEvent(err, false))
			}
			return
		}
		c.emit(ctx, entities.ConnectedEvent())
	}
}

// stream pumps audio into conn and forwards its transcripts until the
// connection ends. A nil return means the stream ended on request.
func (c *StreamingClient) stream(ctx context.Context, conn TransportConn, audio repositories.AudioHandle) error {
	recvErr := make(chan error, 1)
	go func() {
		for {
			ev, err := conn.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			c.emit(ctx, entities.TranscriptEngineEvent(ev))
		}
	}()

	frames := audio.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				c.closeGracefully(ctx, conn, recvErr)
				return fmt.Errorf("%w: audio source ended", entities.ErrCapture)
			}
			if err := conn.Send(encodePCM(frame)); err != nil {
				conn.Close()
				<-recvErr
				if errors.Is(err, entities.ErrTransportDrop) {
					return err
				}
				return fmt.Errorf("%w: %w", entities.ErrTransportDrop, err)
			}

		case err := <-recvErr:
			conn.Close()
			if errors.Is(err, io.EOF) {
				if c.stopping() {
					return nil
				}
				// the provider closed normally without being asked to
				return fmt.Errorf("%w: provider closed the stream", entities.ErrProviderSessionExpiry)
			}
			return err

		case <-c.stopCh:
			c.closeGracefully(ctx, conn, recvErr)
			return nil

		case <-ctx.Done():
			conn.Close()
			<-recvErr
			return nil
		}
	}
}

// closeGracefully asks the provider for a normal close and lets pending
// results drain until the receiver sees the end of the stream.
func (c *StreamingClient) closeGracefully(ctx context.Context, conn TransportConn, recvErr <-chan error) {
	if err := conn.CloseGracefully(); err != nil {
		c.logger.Debug("Graceful close failed", zap.Error(err))
	}
	select {
	case err := <-recvErr:
		if err != nil && !errors.Is(err, io.EOF) {
			c.logger.Debug("Stream ended during close", zap.Error(err))
		}
		conn.Close()
	case <-ctx.Done():
		conn.Close()
		<-recvErr
	}
}

// reconnect retries the transport with exponential backoff. Audio captured
// while disconnected is discarded.
func (c *StreamingClient) reconnect(ctx context.Context, audio repositories.AudioHandle) (TransportConn, error) {
	frames := audio.Frames()
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		delay := c.policy.Delay(attempt)
		c.logger.Info("Scheduling transport reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := c.clock.Timer(delay)
	wait:
		for {
			select {
			case _, ok := <-frames:
				if !ok {
					timer.Stop()
					return nil, fmt.Errorf("%w: audio source ended", entities.ErrCapture)
				}
			case <-timer.C:
				break wait
			case <-c.stopCh:
				timer.Stop()
				return nil, entities.ErrAborted
			case <-ctx.Done():
				timer.Stop()
				return nil, entities.ErrAborted
			}
		}

		conn, err := c.transport.Connect(ctx, c.credential)
		if err == nil {
			c.logger.Info("Streaming transport reconnected", zap.Int("attempt", attempt))
			return conn, nil
		}
		if entities.IsFatal(err) {
			return nil, err
		}
		c.logger.Warn("Transport reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w after %d attempts: %v", entities.ErrTransportDrop, entities.ErrRetryExhausted, c.policy.MaxAttempts, lastErr)
}

// encodePCM renders samples as little-endian PCM16
func encodePCM(frame []int16) []byte {
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
