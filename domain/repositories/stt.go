package repositories

import (
	"context"

	"github.com/meetscribe/transcriber/domain/entities"
)

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// RecognitionEngine is a pluggable recognizer bound to one session at a time.
//
// Start takes ownership of the audio handle: the engine releases it on every
// exit path, including a failed Start. Events is closed once the engine has
// fully stopped.
type RecognitionEngine interface {
	Kind() entities.EngineKind
	Start(ctx context.Context, audio AudioHandle) error
	Events() <-chan entities.EngineEvent
	Stop() error
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts on-device STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
