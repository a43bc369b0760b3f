package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

// LogSink writes checkpoints to the log. Used in development when no store is configured.
type LogSink struct {
	logger *zap.Logger
}

var _ repositories.CheckpointSink = (*LogSink)(nil)

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, cp entities.Checkpoint) error {
	s.logger.Info("Checkpoint",
		zap.String("kind", string(cp.Kind)),
		zap.String("documentId", cp.DocumentID),
		zap.String("meetingId", cp.MeetingID),
		zap.Int("transcriptBytes", len(cp.Transcript)),
		zap.Int("wordCount", cp.WordCount))
	return nil
}
