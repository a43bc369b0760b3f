package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

// Placeholders expanded in the recognizer command line. A command without
// {audio} gets the WAV path appended as its last argument.
const (
	placeholderAudio    = "{audio}"
	placeholderModel    = "{model}"
	placeholderLanguage = "{language}"
	placeholderPartial  = "{partial}"
)

// ExecRecognizer runs an on-device recognizer binary once per utterance,
// e.g. "whisper-cli -m {model} -l {language} -nt -f {audio}". The binary may
// print {"text": ..., "confidence": ...} or plain text.
//
// Transcribe wraps ErrEngineInit when the binary or model is gone and
// ErrAborted for a single failed run.
type ExecRecognizer struct {
	argv      []string
	modelPath string
	language  string

	// one utterance at a time keeps CPU use bounded
	mu sync.Mutex
}

// Ensure ExecRecognizer implements the Recognizer interface
var _ repositories.Recognizer = (*ExecRecognizer)(nil)

// NewExecRecognizer parses the recognizer command line
func NewExecRecognizer(command, modelPath, language string) (*ExecRecognizer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	return &ExecRecognizer{argv: argv, modelPath: modelPath, language: language}, nil
}

// Available reports whether the recognizer binary and model can be found
func (r *ExecRecognizer) Available() error {
	if _, err := exec.LookPath(r.argv[0]); err != nil {
		return fmt.Errorf("%w: recognizer binary %q not found: %v", entities.ErrEngineInit, r.argv[0], err)
	}
	if r.modelPath != "" {
		if _, err := os.Stat(r.modelPath); err != nil {
			return fmt.Errorf("%w: recognizer model: %v", entities.ErrEngineInit, err)
		}
	}
	return nil
}

// args expands the placeholders for one run
func (r *ExecRecognizer) args(wavPath string, final bool) []string {
	var out []string
	sawAudio := false
	for _, arg := range r.argv[1:] {
		if arg == placeholderPartial {
			if !final {
				out = append(out, "--partial")
			}
			continue
		}
		if strings.Contains(arg, placeholderAudio) {
			sawAudio = true
		}
		arg = strings.NewReplacer(
			placeholderAudio, wavPath,
			placeholderModel, r.modelPath,
			placeholderLanguage, r.language,
		).Replace(arg)
		out = append(out, arg)
	}
	if !sawAudio {
		out = append(out, wavPath)
	}
	return out
}

func (r *ExecRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (repositories.TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wavPath, err := writeUtterance(pcm, sampleRate, channels)
	if err != nil {
		return repositories.TranscriptResult{}, fmt.Errorf("%w: %v", entities.ErrAborted, err)
	}
	defer os.Remove(wavPath)

	command := exec.CommandContext(ctx, r.argv[0], r.args(wavPath, final)...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return repositories.TranscriptResult{}, fmt.Errorf("%w: %v", entities.ErrEngineInit, err)
		}
		if ctx.Err() != nil {
			return repositories.TranscriptResult{}, fmt.Errorf("%w: recognizer timed out: %v", entities.ErrAborted, ctx.Err())
		}
		return repositories.TranscriptResult{}, fmt.Errorf("%w: recognizer exited: %v: %s",
			entities.ErrAborted, err, strings.TrimSpace(stderr.String()))
	}
	return parseRecognizerOutput(stdout.Bytes())
}

// parseRecognizerOutput accepts a JSON object or plain text
func parseRecognizerOutput(out []byte) (repositories.TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var resp struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return repositories.TranscriptResult{}, fmt.Errorf("%w: decode recognizer output: %v", entities.ErrAborted, err)
		}
		return repositories.TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
	}
	lines := strings.Fields(string(trimmed))
	return repositories.TranscriptResult{Text: strings.Join(lines, " ")}, nil
}

// writeUtterance stores little-endian 16-bit PCM as a temporary WAV file
func writeUtterance(pcm []byte, sampleRate, channels int) (string, error) {
	if len(pcm)%2 != 0 {
		return "", errors.New("odd-length pcm payload")
	}
	file, err := os.CreateTemp("", "utterance_*.wav")
	if err != nil {
		return "", err
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	err = enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	})
	if err == nil {
		err = enc.Close()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("write utterance wav: %w", err)
	}
	return file.Name(), nil
}
