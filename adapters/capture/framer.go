package capture

import (
	"math"

	"github.com/go-audio/audio"
)

const (
	// SampleRate is the rate of every frame handed to recognition engines.
	SampleRate = 16000
	bitDepth   = 16
)

// framer downmixes, resamples and slices raw device audio into fixed-size
// mono 16 kHz frames. Resampling is linear with the fractional read position
// carried across input buffers so chunk boundaries do not click.
type framer struct {
	frameSamples int
	pending      []int16

	pos      float64
	prev     float64
	hasPrev  bool
	inRate   int
	channels int

	// interleaved samples of an incomplete multi-channel group
	carry []int
}

func newFramer(frameSamples int) *framer {
	return &framer{
		frameSamples: frameSamples,
		pending:      make([]int16, 0, frameSamples),
	}
}

// push consumes one device buffer and emits every completed frame. emit
// returns false when the consumer is gone and framing should stop.
func (f *framer) push(buf *audio.IntBuffer, emit func([]int16) bool) bool {
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return true
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	if f.inRate != buf.Format.SampleRate || f.channels != channels {
		// format change restarts interpolation
		f.inRate = buf.Format.SampleRate
		f.channels = channels
		f.pos = 0
		f.hasPrev = false
		f.carry = f.carry[:0]
	}

	data := buf.Data
	if len(f.carry) > 0 {
		data = append(f.carry, data...)
	}
	whole := len(data) - len(data)%channels
	mono := downmix(data[:whole], channels, buf.SourceBitDepth)
	f.carry = append(f.carry[:0:0], data[whole:]...)
	if len(mono) == 0 {
		return true
	}

	step := float64(f.inRate) / float64(SampleRate)
	src := mono
	if f.hasPrev {
		src = append([]float64{f.prev}, mono...)
	}

	last := len(src) - 1
	t := f.pos
	for ; t <= float64(last); t += step {
		i := int(t)
		frac := t - float64(i)
		v := src[i]
		if i < last {
			v = src[i]*(1-frac) + src[i+1]*frac
		}
		f.pending = append(f.pending, clamp16(v))
		if len(f.pending) == f.frameSamples {
			frame := f.pending
			f.pending = make([]int16, 0, f.frameSamples)
			if !emit(frame) {
				return false
			}
		}
	}
	f.pos = t - float64(last)
	f.prev = src[last]
	f.hasPrev = true
	return true
}

// flush emits the trailing partial frame zero-padded to full size.
func (f *framer) flush(emit func([]int16) bool) {
	if len(f.pending) == 0 {
		return
	}
	frame := make([]int16, f.frameSamples)
	copy(frame, f.pending)
	f.pending = f.pending[:0]
	emit(frame)
}

// downmix averages interleaved samples to mono, scaling deeper sources down
// to 16 bits. len(data) must be a multiple of channels.
func downmix(data []int, channels, sourceBitDepth int) []float64 {
	shift := 0
	if sourceBitDepth > bitDepth {
		shift = sourceBitDepth - bitDepth
	}

	n := len(data) / channels
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c] >> shift
		}
		out[i] = float64(sum) / float64(channels)
	}
	return out
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// FrameSamples returns the sample count of one frame of the given duration.
func FrameSamples(frameMS int) int {
	return SampleRate * frameMS / 1000
}
