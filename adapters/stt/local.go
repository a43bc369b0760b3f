package stt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

const (
	localSampleRate     = 16000
	transcribeTimeout   = 45 * time.Second
	maxRecognizerErrors = 3
)

// LocalOptions tunes utterance detection and the platform limits the local
// engine reports. All durations are measured in consumed audio time.
type LocalOptions struct {
	MaxSession     time.Duration
	SilenceTimeout time.Duration
	EndOfUtterance time.Duration
	PartialEvery   time.Duration
	SilenceRMS     float64
	StopTimeout    time.Duration
}

// availabilityChecker is implemented by recognizers that depend on external binaries
type availabilityChecker interface {
	Available() error
}

// LocalClient is the on-device recognition engine. An energy detector splits
// audio into utterances that are handed to the Recognizer.
type LocalClient struct {
	recognizer repositories.Recognizer
	opts       LocalOptions
	logger     *zap.Logger

	events chan entities.EngineEvent

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
}

// Ensure LocalClient implements the RecognitionEngine interface
var _ repositories.RecognitionEngine = (*LocalClient)(nil)

// NewLocalClient creates a local engine
func NewLocalClient(recognizer repositories.Recognizer, opts LocalOptions, logger *zap.Logger) *LocalClient {
	return &LocalClient{
		recognizer: recognizer,
		opts:       opts,
		logger:     logger,
		events:     make(chan entities.EngineEvent, eventBuffer),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (c *LocalClient) Kind() entities.EngineKind { return entities.EngineLocal }

func (c *LocalClient) Events() <-chan entities.EngineEvent { return c.events }

// Start begins consuming audio. It fails when the recognizer is unavailable.
func (c *LocalClient) Start(ctx context.Context, audio repositories.AudioHandle) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		audio.Release()
		return fmt.Errorf("%w: local client already started", entities.ErrEngineInit)
	}
	c.started = true
	c.mu.Unlock()

	fail := func(err error) error {
		audio.Release()
		close(c.done)
		close(c.events)
		return err
	}

	if c.recognizer == nil {
		return fail(fmt.Errorf("%w: no local recognizer configured", entities.ErrEngineInit))
	}
	if checker, ok := c.recognizer.(availabilityChecker); ok {
		if err := checker.Available(); err != nil {
			return fail(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("%w: %v", entities.ErrEngineInit, err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("Local recognition started", zap.String("audioSource", string(audio.Source())))
	c.emit(runCtx, entities.ConnectedEvent())

	go c.run(runCtx, audio)
	return nil
}

// Stop ends recognition and waits for the audio to be released. Pending
// speech is discarded.
func (c *LocalClient) Stop() error {
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
	case <-time.After(c.opts.StopTimeout):
	}

	c.logger.Warn("Local recognizer did not stop in time, cancelling")
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}

func (c *LocalClient) emit(ctx context.Context, ev entities.EngineEvent) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// utterance accumulates speech between silences
type utterance struct {
	pcm           []byte
	active        bool
	trailing      time.Duration
	sinceInterim  time.Duration
	lastInterim   string
	recognizerErr int
}

func (u *utterance) reset() {
	u.pcm = u.pcm[:0]
	u.active = false
	u.trailing = 0
	u.sinceInterim = 0
	u.lastInterim = ""
}

func (c *LocalClient) run(ctx context.Context, audio repositories.AudioHandle) {
	defer close(c.done)
	defer close(c.events)
	defer audio.Release()

	var (
		elapsed     time.Duration
		sinceSpeech time.Duration
		utt         utterance
	)
	frames := audio.Frames()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if c.finishUtterance(ctx, &utt) {
					c.emit(ctx, entities.DisconnectedEvent(fmt.Errorf("%w: audio source ended", entities.ErrCapture), false))
				}
				return
			}

			d := frameDuration(frame)
			elapsed += d

			if rms(frame) >= c.opts.SilenceRMS {
				sinceSpeech = 0
				utt.active = true
				utt.trailing = 0
				utt.pcm = append(utt.pcm, encodePCM(frame)...)
				utt.sinceInterim += d
				if c.opts.PartialEvery > 0 && utt.sinceInterim >= c.opts.PartialEvery {
					utt.sinceInterim = 0
					if !c.transcribe(ctx, &utt, false) {
						return
					}
				}
			} else {
				sinceSpeech += d
				if utt.active {
					utt.pcm = append(utt.pcm, encodePCM(frame)...)
					utt.trailing += d
					if utt.trailing >= c.opts.EndOfUtterance {
						if !c.finishUtterance(ctx, &utt) {
							return
						}
					}
				} else if c.opts.SilenceTimeout > 0 && sinceSpeech >= c.opts.SilenceTimeout {
					c.logger.Info("No speech detected, ending local session",
						zap.Duration("silence", sinceSpeech))
					c.emit(ctx, entities.DisconnectedEvent(entities.ErrNoSpeechTimeout, false))
					return
				}
			}

			if c.opts.MaxSession > 0 && elapsed >= c.opts.MaxSession {
				if !c.finishUtterance(ctx, &utt) {
					return
				}
				c.logger.Info("Local session reached its duration limit", zap.Duration("elapsed", elapsed))
				c.emit(ctx, entities.DisconnectedEvent(entities.ErrProviderSessionExpiry, false))
				return
			}
		}
	}
}

// finishUtterance transcribes pending speech as a final result. It returns
// false when the engine must stop.
func (c *LocalClient) finishUtterance(ctx context.Context, utt *utterance) bool {
	if !utt.active {
		return true
	}
	ok := c.transcribe(ctx, utt, true)
	utt.reset()
	return ok
}

// transcribe runs the recognizer over the current utterance and emits the
// result. It returns false after repeated recognizer failures or cancellation.
func (c *LocalClient) transcribe(ctx context.Context, utt *utterance, final bool) bool {
	tctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	result, err := c.recognizer.Transcribe(tctx, utt.pcm, localSampleRate, 1, final)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, entities.ErrEngineInit) {
			c.logger.Error("Local recognizer unavailable", zap.Error(err))
			c.emit(ctx, entities.DisconnectedEvent(err, false))
			return false
		}
		utt.recognizerErr++
		c.logger.Warn("Local transcription failed",
			zap.Bool("final", final),
			zap.Int("consecutiveFailures", utt.recognizerErr),
			zap.Error(err))
		if utt.recognizerErr >= maxRecognizerErrors {
			c.emit(ctx, entities.DisconnectedEvent(fmt.Errorf("%w: recognizer failing: %v", entities.ErrAborted, err), false))
			return false
		}
		return true
	}
	utt.recognizerErr = 0

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return true
	}
	if final {
		c.emit(ctx, entities.TranscriptEngineEvent(entities.TranscriptEvent{Kind: entities.TranscriptFinal, Text: text}))
		return true
	}
	if text != utt.lastInterim {
		utt.lastInterim = text
		c.emit(ctx, entities.TranscriptEngineEvent(entities.TranscriptEvent{Kind: entities.TranscriptInterim, Text: text}))
	}
	return true
}

func frameDuration(frame []int16) time.Duration {
	return time.Duration(len(frame)) * time.Second / localSampleRate
}

// rms is the root mean square energy of a frame
func rms(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
