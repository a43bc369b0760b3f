package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
)

const wavChunkMS = 100

// WAVDevice replays a WAV file as a capture source
type WAVDevice struct {
	path     string
	realtime bool
	logger   *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewWAVDevice creates a replay device. With realtime set, chunks are paced
// at their playback duration.
func NewWAVDevice(path string, realtime bool, logger *zap.Logger) *WAVDevice {
	return &WAVDevice{path: path, realtime: realtime, logger: logger}
}

// Open starts replaying the file into sink
func (d *WAVDevice) Open(ctx context.Context, source entities.AudioSource, sink Sink) error {
	file, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("%w: open replay file: %v", entities.ErrCapture, err)
	}

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return fmt.Errorf("%w: %s is not a valid wav file", entities.ErrCapture, d.path)
	}
	format := decoder.Format()
	if format == nil || format.SampleRate <= 0 {
		file.Close()
		return fmt.Errorf("%w: %s has no usable format", entities.ErrCapture, d.path)
	}

	d.mu.Lock()
	if d.stop != nil {
		d.mu.Unlock()
		file.Close()
		return fmt.Errorf("%w: replay already running", entities.ErrCapture)
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.mu.Unlock()

	d.logger.Info("Replaying capture file",
		zap.String("path", d.path),
		zap.Int("sampleRate", format.SampleRate),
		zap.Int("channels", format.NumChannels))

	go d.replay(file, decoder, format, sink, stop, done)
	return nil
}

func (d *WAVDevice) replay(file *os.File, decoder *wav.Decoder, format *audio.Format, sink Sink, stop, done chan struct{}) {
	defer close(done)
	defer file.Close()

	chunk := format.SampleRate * format.NumChannels * wavChunkMS / 1000
	buf := &audio.IntBuffer{Format: format, Data: make([]int, chunk), SourceBitDepth: int(decoder.BitDepth)}
	pace := time.Duration(wavChunkMS) * time.Millisecond

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := decoder.PCMBuffer(buf)
		if n > 0 {
			data := make([]int, n)
			copy(data, buf.Data[:n])
			sink.Write(&audio.IntBuffer{Format: format, Data: data, SourceBitDepth: buf.SourceBitDepth})
		}
		if err != nil || n == 0 {
			if err != nil {
				d.logger.Warn("Replay decode stopped", zap.Error(err))
			}
			sink.End()
			return
		}

		if d.realtime {
			select {
			case <-stop:
				return
			case <-time.After(pace):
			}
		}
	}
}

// Close stops replay and waits for the replay goroutine to exit
func (d *WAVDevice) Close(source entities.AudioSource) error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
