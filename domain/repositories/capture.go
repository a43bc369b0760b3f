package repositories

import (
	"context"

	"github.com/meetscribe/transcriber/domain/entities"
)

// AudioHandle is an exclusive lease on a capture source.
//
// Frames yields fixed-size PCM16 mono 16 kHz blocks. The channel is closed when
// the underlying source ends or after Release returns.
type AudioHandle interface {
	Source() entities.AudioSource
	Frames() <-chan []int16
	Release() error
}

// AudioCapture acquires capture sources
type AudioCapture interface {
	Acquire(ctx context.Context, preferred entities.AudioSource) (AudioHandle, error)
}
