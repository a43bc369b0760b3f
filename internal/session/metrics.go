package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meetscribe/transcriber/domain/entities"
)

// Metrics holds the instruments shared by every orchestrator in the process
type Metrics struct {
	restarts     metric.Int64Counter
	failures     metric.Int64Counter
	checkpoints  metric.Int64Counter
	restartDelay metric.Float64Histogram
	active       metric.Int64UpDownCounter
}

// NewMetrics registers the session instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	restarts, err := meter.Int64Counter("transcriber.session.restarts",
		metric.WithDescription("Engine restarts scheduled by session orchestrators"))
	if err != nil {
		return nil, fmt.Errorf("restarts counter: %w", err)
	}
	failures, err := meter.Int64Counter("transcriber.session.failures",
		metric.WithDescription("Sessions that ended in the failed state"))
	if err != nil {
		return nil, fmt.Errorf("failures counter: %w", err)
	}
	checkpoints, err := meter.Int64Counter("transcriber.checkpoints.emitted",
		metric.WithDescription("Checkpoints handed to the persistence gateway"))
	if err != nil {
		return nil, fmt.Errorf("checkpoints counter: %w", err)
	}
	restartDelay, err := meter.Float64Histogram("transcriber.session.restart_delay",
		metric.WithDescription("Delay before engine re-initialization"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("restart delay histogram: %w", err)
	}
	active, err := meter.Int64UpDownCounter("transcriber.session.active",
		metric.WithDescription("Sessions currently transcribing"))
	if err != nil {
		return nil, fmt.Errorf("active sessions counter: %w", err)
	}

	return &Metrics{
		restarts:     restarts,
		failures:     failures,
		checkpoints:  checkpoints,
		restartDelay: restartDelay,
		active:       active,
	}, nil
}

func (m *Metrics) restart(kind entities.EngineKind, delay time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("engine", string(kind)))
	m.restarts.Add(context.Background(), 1, attrs)
	m.restartDelay.Record(context.Background(), delay.Seconds(), attrs)
}

func (m *Metrics) failure(kind entities.EngineKind) {
	if m == nil {
		return
	}
	m.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("engine", string(kind))))
}

func (m *Metrics) checkpoint(kind entities.CheckpointKind) {
	if m == nil {
		return
	}
	m.checkpoints.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *Metrics) activeDelta(delta int64) {
	if m == nil {
		return
	}
	m.active.Add(context.Background(), delta)
}
