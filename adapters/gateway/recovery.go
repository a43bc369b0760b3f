package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Replayer re-delivers cached checkpoints
type Replayer interface {
	ReplayCached(ctx context.Context) (int, error)
}

// RecoveryService replays the local checkpoint cache at startup and then periodically
type RecoveryService struct {
	replayer Replayer
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRecoveryService creates a new recovery service
func NewRecoveryService(replayer Replayer, interval time.Duration, clk clock.Clock, logger *zap.Logger) *RecoveryService {
	if clk == nil {
		clk = clock.New()
	}
	return &RecoveryService{
		replayer: replayer,
		interval: interval,
		clock:    clk,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background recovery loop
func (s *RecoveryService) Start() {
	go s.recoveryLoop()
	s.logger.Info("Checkpoint recovery service started", zap.Duration("interval", s.interval))
}

// Stop gracefully stops the recovery loop and waits for an in-flight sweep
func (s *RecoveryService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
	s.logger.Info("Checkpoint recovery service stopped")
}

func (s *RecoveryService) recoveryLoop() {
	defer close(s.done)

	s.runRecovery()
	if s.interval <= 0 {
		return
	}

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runRecovery()
		}
	}
}

func (s *RecoveryService) runRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.replayer.ReplayCached(ctx)
	if err != nil {
		s.logger.Error("Checkpoint recovery failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Recovered cached checkpoints", zap.Int("delivered", n))
	}
}
