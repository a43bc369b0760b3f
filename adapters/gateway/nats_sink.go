package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

// NATSSink publishes checkpoints to <prefix>.<init|update|finalize>
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// Ensure NATSSink implements the CheckpointSink interface
var _ repositories.CheckpointSink = (*NATSSink)(nil)

// ConnectNATS dials the configured servers
func ConnectNATS(servers []string, prefix string, timeout time.Duration, logger *zap.Logger) (*NATSSink, error) {
	if len(servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	url := strings.Join(servers, ",")
	conn, err := nats.Connect(url,
		nats.Name("meetscribe-transcriber"),
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("server", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("servers", url))
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}, nil
}

// Name implements repositories.CheckpointSink
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject a checkpoint kind is published on
func (s *NATSSink) Subject(kind entities.CheckpointKind) string {
	var suffix string
	switch kind {
	case entities.CheckpointInit:
		suffix = "init"
	case entities.CheckpointUpdate:
		suffix = "update"
	case entities.CheckpointFinalize:
		suffix = "finalize"
	default:
		suffix = strings.ToLower(string(kind))
	}
	if s.prefix == "" {
		return suffix
	}
	return s.prefix + "." + suffix
}

// Deliver publishes the checkpoint and waits for the server to acknowledge the flush
func (s *NATSSink) Deliver(ctx context.Context, cp entities.Checkpoint) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", s.conn.Status())
	}

	data, err := json.Marshal(struct {
		Type    entities.CheckpointKind `json:"type"`
		Payload map[string]interface{}  `json:"payload"`
	}{Type: cp.Kind, Payload: cp.Payload()})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	msg := nats.NewMsg(s.Subject(cp.Kind))
	msg.Data = data
	msg.Header.Set("Nats-Msg-Id", cp.CacheKey()+":"+string(cp.Kind)+":"+cp.Timestamp.UTC().Format(time.RFC3339Nano))
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up
func (s *NATSSink) Healthy() bool {
	return s != nil && s.conn != nil && s.conn.Status() == nats.CONNECTED
}

// Close drains and closes the connection
func (s *NATSSink) Close() {
	if s == nil {
		return
	}
	s.logger.Info("Closing NATS connection")
	_ = s.conn.Drain()
	s.conn.Close()
}
