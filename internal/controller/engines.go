package controller

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/adapters/stt"
	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
	"github.com/meetscribe/transcriber/internal/config"
	"github.com/meetscribe/transcriber/internal/session"
)

// Engines builds recognition engines from configuration
type Engines struct {
	transport   stt.Transport
	recognizer  repositories.Recognizer
	policy      stt.ReconnectPolicy
	local       stt.LocalOptions
	stopTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger
}

// Ensure Engines implements the session.EngineFactory interface
var _ session.EngineFactory = (*Engines)(nil)

// NewEngines selects the streaming transport and the local recognizer. A
// missing local recognizer is not an error; local starts then fail with
// ErrEngineInit.
func NewEngines(cfg config.Config, clk clock.Clock, logger *zap.Logger) (*Engines, error) {
	e := &Engines{
		policy: stt.ReconnectPolicy{
			Base:        config.Millis(cfg.Streaming.ReconnectBaseMS),
			Cap:         config.Millis(cfg.Streaming.ReconnectCapMS),
			MaxAttempts: cfg.Streaming.ReconnectMaxAttempts,
		},
		local: stt.LocalOptions{
			MaxSession:     config.Millis(cfg.Local.MaxSessionMS),
			SilenceTimeout: config.Millis(cfg.Local.SilenceTimeoutMS),
			EndOfUtterance: config.Millis(cfg.Local.EndOfUtteranceMS),
			PartialEvery:   config.Millis(cfg.Local.PartialEveryMS),
			SilenceRMS:     cfg.Local.SilenceRMS,
			StopTimeout:    config.Millis(cfg.Session.EngineStopTimeoutMS),
		},
		stopTimeout: config.Millis(cfg.Session.EngineStopTimeoutMS),
		clock:       clk,
		logger:      logger,
	}

	switch cfg.Streaming.Provider {
	case "websocket":
		e.transport = stt.NewWebSocketTransport(cfg.Streaming.URL, cfg.Streaming.Language, cfg.Streaming.Diarize,
			config.Millis(cfg.Streaming.DialTimeoutMS), logger.Named("stt.websocket"))
	case "google":
		e.transport = stt.NewGoogleTransport(repositories.AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			Encoding:   "LINEAR16",
			Language:   cfg.Streaming.Language,
		}, cfg.Streaming.Diarize)
	default:
		return nil, fmt.Errorf("unknown streaming provider %q", cfg.Streaming.Provider)
	}

	if cfg.Local.Command != "" {
		recognizer, err := stt.NewExecRecognizer(cfg.Local.Command, cfg.Local.ModelPath, cfg.Local.Language)
		if err != nil {
			return nil, err
		}
		e.recognizer = recognizer
	} else {
		logger.Warn("No local recognizer configured, local transcription unavailable")
	}
	return e, nil
}

// NewEngine implements session.EngineFactory
func (e *Engines) NewEngine(kind entities.EngineKind, credential string) (repositories.RecognitionEngine, error) {
	switch kind {
	case entities.EngineStreaming:
		return stt.NewStreamingClient(e.transport, credential, e.policy, e.stopTimeout, e.clock,
			e.logger.Named("stt.streaming").With(zap.String("transport", e.transport.Name()))), nil
	case entities.EngineLocal:
		return stt.NewLocalClient(e.recognizer, e.local, e.logger.Named("stt.local")), nil
	default:
		return nil, fmt.Errorf("%w: unknown engine kind %q", entities.ErrEngineInit, kind)
	}
}
