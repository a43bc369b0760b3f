package controller

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain"
	"github.com/meetscribe/transcriber/domain/entities"
)

// agentNotifier pushes session updates to the agent. Transcript updates are
// rate limited to one per interval; the latest text is always delivered.
type agentNotifier struct {
	agent    Agent
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	lastSent time.Time
	pending  *domain.TranscriptUpdateMessage
	timer    *clock.Timer
	stopped  bool
}

func newAgentNotifier(agent Agent, interval time.Duration, clk clock.Clock, logger *zap.Logger) *agentNotifier {
	return &agentNotifier{agent: agent, interval: interval, clock: clk, logger: logger}
}

func (n *agentNotifier) RecordingChanged(recording bool, source entities.AudioSource) {
	if !recording {
		n.flush()
	}
	n.send(domain.MsgRecordingIndicator, domain.RecordingIndicatorMessage{
		Recording: recording,
		Source:    string(source),
	})
}

func (n *agentNotifier) TranscriptChanged(transcript, interim string) {
	msg := &domain.TranscriptUpdateMessage{Transcript: transcript, Interim: interim}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	now := n.clock.Now()
	if n.interval <= 0 || (n.timer == nil && now.Sub(n.lastSent) >= n.interval) {
		n.lastSent = now
		n.mu.Unlock()
		n.send(domain.MsgTranscriptUpdate, msg)
		return
	}
	n.pending = msg
	if n.timer == nil {
		wait := n.interval - now.Sub(n.lastSent)
		n.timer = n.clock.AfterFunc(wait, n.flush)
	}
	n.mu.Unlock()
}

func (n *agentNotifier) TranscriptionError(err error) {
	n.flush()
	n.send(domain.MsgTranscriptionError, domain.TranscriptionErrorMessage{Error: err.Error()})
}

// flush sends the pending transcript update, if any
func (n *agentNotifier) flush() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	msg := n.pending
	n.pending = nil
	if msg != nil {
		n.lastSent = n.clock.Now()
	}
	n.mu.Unlock()

	if msg != nil {
		n.send(domain.MsgTranscriptUpdate, msg)
	}
}

func (n *agentNotifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	n.pending = nil
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *agentNotifier) send(msgType string, payload interface{}) {
	if err := n.agent.Send(msgType, payload); err != nil {
		n.logger.Warn("Failed to notify agent", zap.String("type", msgType), zap.Error(err))
	}
}
