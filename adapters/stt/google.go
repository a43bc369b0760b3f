package stt

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

// GoogleTransport streams audio to Google Cloud Speech StreamingRecognize
type GoogleTransport struct {
	config  repositories.AudioConfig
	diarize bool
}

// NewGoogleTransport creates a Google transport for the given audio format
func NewGoogleTransport(config repositories.AudioConfig, diarize bool) *GoogleTransport {
	return &GoogleTransport{config: config, diarize: diarize}
}

func (g *GoogleTransport) Name() string { return "google" }

// Connect opens a recognize stream and sends the configuration frame.
// A non-empty credential is used as an API key, otherwise application default
// credentials apply.
func (g *GoogleTransport) Connect(ctx context.Context, credential string) (TransportConn, error) {
	var opts []option.ClientOption
	if credential != "" {
		opts = append(opts, option.WithAPIKey(credential))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, classifyGoogleError(fmt.Errorf("failed to create speech client: %w", err))
	}

	// the stream outlives the dial context
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, classifyGoogleError(fmt.Errorf("failed to create streaming recognize: %w", err))
	}

	encoding, err := getAudioEncoding(g.config.Encoding)
	if err != nil {
		cancel()
		client.Close()
		return nil, err
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(g.config.SampleRate),
		AudioChannelCount:          int32(g.config.Channels),
		LanguageCode:               g.config.Language,
		EnableAutomaticPunctuation: true,
	}
	if g.diarize {
		recognitionConfig.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
		}
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: true,
			},
		},
	}); err != nil {
		cancel()
		client.Close()
		return nil, classifyGoogleError(fmt.Errorf("failed to send streaming config: %w", err))
	}

	return &googleConn{client: client, stream: stream, cancel: cancel}, nil
}

type googleConn struct {
	client  *speech.Client
	stream  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	pending []entities.TranscriptEvent
}

func (g *googleConn) Send(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	}); err != nil {
		return classifyGoogleError(fmt.Errorf("failed to send audio data: %w", err))
	}
	return nil
}

func (g *googleConn) Recv() (entities.TranscriptEvent, error) {
	for len(g.pending) == 0 {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			return entities.TranscriptEvent{}, io.EOF
		}
		if err != nil {
			return entities.TranscriptEvent{}, classifyGoogleError(err)
		}
		if resp.Error != nil && resp.Error.Code != int32(codes.OK) {
			return entities.TranscriptEvent{}, classifyGoogleError(
				status.Error(codes.Code(resp.Error.Code), resp.Error.Message))
		}
		g.pending = append(g.pending, resultEvents(resp.Results)...)
	}

	ev := g.pending[0]
	g.pending = g.pending[1:]
	return ev, nil
}

func resultEvents(results []*speechpb.StreamingRecognitionResult) []entities.TranscriptEvent {
	var events []entities.TranscriptEvent
	for _, result := range results {
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}

		ev := entities.TranscriptEvent{Kind: entities.TranscriptInterim, Text: text}
		if result.IsFinal {
			ev.Kind = entities.TranscriptFinal
		}
		for _, w := range alt.Words {
			if w.SpeakerTag > 0 {
				ev.SpeakerID = strconv.Itoa(int(w.SpeakerTag))
				break
			}
		}
		events = append(events, ev)
	}
	return events
}

func (g *googleConn) CloseGracefully() error {
	return g.stream.CloseSend()
}

func (g *googleConn) Close() error {
	g.cancel()
	return g.client.Close()
}

// classifyGoogleError maps gRPC status codes onto the engine error taxonomy
func classifyGoogleError(err error) error {
	// FromError unwraps fmt.Errorf chains
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", entities.ErrNetwork, err)
	}

	switch st.Code() {
	case codes.Unavailable, codes.Internal, codes.Aborted, codes.Canceled:
		return fmt.Errorf("%w: %v", entities.ErrTransportDrop, err)
	case codes.OutOfRange, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", entities.ErrProviderSessionExpiry, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %v", entities.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", entities.ErrNetwork, err)
	}
}

// getAudioEncoding converts an encoding name to the Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "LINEAR16", "":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("%w: unsupported audio encoding %s", entities.ErrEngineInit, encoding)
	}
}
