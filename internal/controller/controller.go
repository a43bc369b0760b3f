package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/adapters/capture"
	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
	"github.com/meetscribe/transcriber/internal/config"
	"github.com/meetscribe/transcriber/internal/session"
)

var (
	// ErrTabNotFound is returned for tabs without a connected agent
	ErrTabNotFound = errors.New("tab not connected")
	// ErrNotReady is returned when the content script never announced itself
	ErrNotReady = errors.New("content script not ready")
)

// Agent is the outbound side of one tab's agent connection. Send must not block.
type Agent interface {
	Send(msgType string, payload interface{}) error
}

// Deps are the process-wide collaborators shared by every tab
type Deps struct {
	Config  config.Config
	Engines session.EngineFactory
	Gateway repositories.CheckpointGateway
	Metrics *session.Metrics
	Clock   clock.Clock
}

// Controller is the session registry: one orchestrator per connected tab
type Controller struct {
	deps   Deps
	logger *zap.Logger

	mu   sync.RWMutex
	tabs map[string]*Tab
}

// New creates a controller
func New(deps Deps, logger *zap.Logger) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Controller{
		deps:   deps,
		logger: logger,
		tabs:   make(map[string]*Tab),
	}
}

// Attach binds an agent connection to tabID. A previous binding for the same
// tab is stopped and closed first.
func (c *Controller) Attach(ctx context.Context, tabID string, agent Agent) *Tab {
	tab := c.newTab(tabID, agent)

	c.mu.Lock()
	old := c.tabs[tabID]
	c.tabs[tabID] = tab
	c.mu.Unlock()

	if old != nil {
		c.logger.Info("Replacing existing tab binding", zap.String("tabId", tabID))
		if err := old.close(ctx); err != nil {
			c.logger.Warn("Failed to close previous tab binding", zap.String("tabId", tabID), zap.Error(err))
		}
	}

	c.logger.Info("Tab attached", zap.String("tabId", tabID))
	return tab
}

// Detach stops the tab's session and removes it, unless it was already replaced
func (c *Controller) Detach(ctx context.Context, tab *Tab) error {
	c.mu.Lock()
	if c.tabs[tab.id] == tab {
		delete(c.tabs, tab.id)
	}
	c.mu.Unlock()

	c.logger.Info("Tab detached", zap.String("tabId", tab.id))
	return tab.close(ctx)
}

// Tab returns the binding for tabID
func (c *Controller) Tab(tabID string) (*Tab, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tab, ok := c.tabs[tabID]
	if !ok {
		return nil, ErrTabNotFound
	}
	return tab, nil
}

// Stats reports connected tabs and tabs currently transcribing
func (c *Controller) Stats() (connected, transcribing int) {
	c.mu.RLock()
	tabs := make([]*Tab, 0, len(c.tabs))
	for _, t := range c.tabs {
		tabs = append(tabs, t)
	}
	c.mu.RUnlock()

	for _, t := range tabs {
		if t.Status().IsTranscribing {
			transcribing++
		}
	}
	return len(tabs), transcribing
}

// Shutdown stops every session so each one emits its Finalize
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	tabs := c.tabs
	c.tabs = make(map[string]*Tab)
	c.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, t := range tabs {
		wg.Add(1)
		go func(t *Tab) {
			defer wg.Done()
			if err := t.close(ctx); err != nil {
				mu.Lock()
				errs = errors.Join(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return errs
}

func (c *Controller) newTab(tabID string, agent Agent) *Tab {
	cfg := c.deps.Config
	logger := c.logger.With(zap.String("tabId", tabID))

	tab := &Tab{
		id:           tabID,
		agent:        agent,
		readyTimeout: config.Millis(cfg.Session.ReadyTimeoutMS),
		clock:        c.deps.Clock,
		ready:        make(chan struct{}),
		logger:       logger,
	}
	tab.device = capture.NewAgentDevice(tab, config.Millis(cfg.Capture.OpenTimeoutMS), logger.Named("capture.agent"))

	devices := map[entities.AudioSource]capture.Device{
		entities.AudioSourceTab:        tab.device,
		entities.AudioSourceMicrophone: tab.device,
	}
	if cfg.Capture.ReplayFile != "" {
		devices[entities.AudioSourceFile] = capture.NewWAVDevice(cfg.Capture.ReplayFile, cfg.Capture.ReplayRealtime, logger.Named("capture.wav"))
	}
	adapter := capture.NewAdapter(devices, cfg.Capture.FrameDurationMS, logger.Named("capture"))

	notifier := newAgentNotifier(agent, config.Millis(cfg.Session.StatusBroadcastEveryMS), c.deps.Clock, logger)
	tab.notifier = notifier

	tab.orchestrator = session.NewOrchestrator(session.Options{
		UpdateInterval:       config.Millis(cfg.Session.UpdateIntervalMS),
		RestartBaseDelay:     config.Millis(cfg.Session.RestartBaseDelayMS),
		RestartDelayCap:      config.Millis(cfg.Session.RestartDelayCapMS),
		MaxRestartsStreaming: cfg.Session.MaxRestartsStreaming,
		MaxRestartsLocal:     cfg.Session.MaxRestartsLocal,
		EngineStartTimeout:   config.Millis(cfg.Session.EngineStartTimeoutMS),
		PreferredSource:      entities.AudioSource(cfg.Capture.Preferred),
		OnTransition: func(from, to entities.SessionState) {
			logger.Info("Session transition",
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		},
	}, adapter, c.deps.Engines, c.deps.Gateway, notifier, c.deps.Clock, c.deps.Metrics, logger.Named("session"))

	return tab
}

// stopTimeout bounds STOP handling and tab teardown
const stopTimeout = 30 * time.Second
