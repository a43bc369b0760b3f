package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

const inboxSize = 256

// ErrClosed is returned by operations on a closed orchestrator
var ErrClosed = errors.New("orchestrator closed")

// Notifier receives user-facing session updates
type Notifier interface {
	RecordingChanged(recording bool, source entities.AudioSource)
	TranscriptChanged(transcript, interim string)
	TranscriptionError(err error)
}

// EngineFactory builds a fresh recognition engine for every (re)start
type EngineFactory interface {
	NewEngine(kind entities.EngineKind, credential string) (repositories.RecognitionEngine, error)
}

// Options configures an orchestrator
type Options struct {
	UpdateInterval       time.Duration
	RestartBaseDelay     time.Duration
	RestartDelayCap      time.Duration
	MaxRestartsStreaming int
	MaxRestartsLocal     int
	EngineStartTimeout   time.Duration
	PreferredSource      entities.AudioSource

	// OnTransition is called from the orchestrator goroutine on every state change.
	OnTransition func(from, to entities.SessionState)
}

// StartRequest carries what the user supplied when starting a session
type StartRequest struct {
	MeetingID  string
	UserID     string
	Credential string
}

// Status is a point-in-time snapshot of the session
type Status struct {
	State           entities.SessionState `json:"state"`
	IsTranscribing  bool                  `json:"isTranscribing"`
	EngineKind      entities.EngineKind   `json:"engineKind,omitempty"`
	AudioSource     entities.AudioSource  `json:"audioSource,omitempty"`
	DocumentID      string                `json:"documentId,omitempty"`
	Transcript      string                `json:"transcript"`
	Interim         string                `json:"interim,omitempty"`
	RestartAttempts int                   `json:"restartAttempts"`
}

type startReply struct {
	documentID string
	err        error
}

type startResult struct {
	gen    uint64
	engine repositories.RecognitionEngine
	source entities.AudioSource
	err    error
}

// Orchestrator is the Session Orchestrator for one tab. Every field below the
// inbox is owned by the run goroutine; other goroutines talk to it by posting
// closures to the inbox.
type Orchestrator struct {
	opts     Options
	capture  repositories.AudioCapture
	engines  EngineFactory
	gateway  repositories.CheckpointGateway
	notifier Notifier
	clock    clock.Clock
	metrics  *Metrics
	logger   *zap.Logger

	inbox    chan func()
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	state        entities.SessionState
	session      *entities.Session
	credential   string
	fellBack     bool
	pendingStart chan startReply
	counted      bool

	engine      repositories.RecognitionEngine
	gen         uint64
	startCancel context.CancelFunc

	restartTimer *clock.Timer
	restartSeq   uint64

	updateTimer *clock.Timer
	updateSeq   uint64
	lastUpdate  time.Time
}

// NewOrchestrator creates an idle orchestrator and starts its goroutine
func NewOrchestrator(opts Options, capture repositories.AudioCapture, engines EngineFactory, gateway repositories.CheckpointGateway, notifier Notifier, clk clock.Clock, metrics *Metrics, logger *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.PreferredSource == "" {
		opts.PreferredSource = entities.AudioSourceTab
	}

	o := &Orchestrator{
		opts:     opts,
		capture:  capture,
		engines:  engines,
		gateway:  gateway,
		notifier: notifier,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
		inbox:    make(chan func(), inboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    entities.SessionStateIdle,
	}
	go o.run()
	return o
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case fn := <-o.inbox:
			fn()
		case <-o.quit:
			return
		}
	}
}

// post queues fn for the run goroutine. It reports false once the
// orchestrator is closed.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.inbox <- fn:
		return true
	case <-o.quit:
		return false
	}
}

// Start begins a session and returns its document id once the first engine is
// live. Starting an already running session is a no-op.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	reply := make(chan startReply, 1)
	if !o.post(func() { o.handleStart(req, reply) }) {
		return "", ErrClosed
	}

	select {
	case r := <-reply:
		return r.documentID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-o.done:
		return "", ErrClosed
	}
}

// Stop finalizes the session and tears the engine down. It is idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	reply := make(chan struct{})
	if !o.post(func() {
		o.handleStop()
		close(reply)
	}) {
		return nil
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return nil
	}
}

// Status returns a snapshot of the session
func (o *Orchestrator) Status() Status {
	reply := make(chan Status, 1)
	if !o.post(func() { reply <- o.snapshot() }) {
		return Status{State: entities.SessionStateIdle}
	}
	select {
	case s := <-reply:
		return s
	case <-o.done:
		return Status{State: entities.SessionStateIdle}
	}
}

// Close stops any running session and terminates the orchestrator goroutine
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Stop(ctx)
	o.quitOnce.Do(func() { close(o.quit) })
	<-o.done
	return err
}

func (o *Orchestrator) snapshot() Status {
	s := Status{
		State:          o.state,
		IsTranscribing: o.isTranscribing(),
	}
	if o.session != nil {
		s.EngineKind = o.session.EngineKind
		s.AudioSource = o.session.AudioSource
		s.DocumentID = o.session.DocumentID
		s.Transcript = o.session.Transcript
		s.Interim = o.session.LastInterimText
		s.RestartAttempts = o.session.RestartAttempts
	}
	return s
}

func (o *Orchestrator) isTranscribing() bool {
	switch o.state {
	case entities.SessionStateStarting, entities.SessionStateActive, entities.SessionStateRestarting:
		return true
	}
	return false
}

func (o *Orchestrator) transition(to entities.SessionState) {
	from := o.state
	if from == to {
		return
	}
	o.state = to
	o.logger.Debug("Session state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if o.opts.OnTransition != nil {
		o.opts.OnTransition(from, to)
	}
}

func (o *Orchestrator) handleStart(req StartRequest, reply chan startReply) {
	if o.isTranscribing() {
		o.logger.Info("Start ignored, session already running",
			zap.String("state", string(o.state)),
			zap.String("meetingId", o.session.MeetingID))
		reply <- startReply{documentID: o.session.DocumentID}
		return
	}

	kind := entities.EngineLocal
	if req.Credential != "" {
		kind = entities.EngineStreaming
	}
	s := entities.NewSession(req.MeetingID, req.UserID, kind, o.clock.Now())
	if err := s.Validate(); err != nil {
		reply <- startReply{err: err}
		return
	}

	o.session = s
	o.credential = req.Credential
	o.fellBack = false
	o.lastUpdate = time.Time{}
	o.pendingStart = reply
	o.transition(entities.SessionStateStarting)

	o.logger.Info("Starting transcription session",
		zap.String("meetingId", s.MeetingID),
		zap.String("engine", string(kind)))
	o.launch(kind)
}

// launch acquires audio and starts an engine off the run goroutine. The
// result comes back through the inbox tagged with the engine generation.
func (o *Orchestrator) launch(kind entities.EngineKind) {
	o.gen++
	gen := o.gen
	credential := o.credential
	preferred := o.opts.PreferredSource

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.EngineStartTimeout)
	o.startCancel = cancel

	go func() {
		res := startResult{gen: gen}
		defer func() {
			if !o.post(func() { o.handleStartResult(res) }) && res.engine != nil && res.err == nil {
				res.engine.Stop()
			}
		}()

		handle, err := o.capture.Acquire(ctx, preferred)
		if err != nil {
			res.err = err
			return
		}
		engine, err := o.engines.NewEngine(kind, credential)
		if err != nil {
			handle.Release()
			res.err = fmt.Errorf("%w: %v", entities.ErrEngineInit, err)
			return
		}
		res.source = handle.Source()
		if err := engine.Start(ctx, handle); err != nil {
			res.err = err
			return
		}
		res.engine = engine
	}()
}

func (o *Orchestrator) handleStartResult(res startResult) {
	if res.gen != o.gen || (o.state != entities.SessionStateStarting && o.state != entities.SessionStateRestarting) {
		if res.engine != nil && res.err == nil {
			o.logger.Debug("Discarding engine from a superseded start")
			res.engine.Stop()
		}
		return
	}
	if o.startCancel != nil {
		o.startCancel()
		o.startCancel = nil
	}

	if res.err != nil {
		o.handleStartFailure(res.err)
		return
	}

	o.engine = res.engine
	o.session.AudioSource = res.source
	o.session.Touch(o.clock.Now())
	o.transition(entities.SessionStateActive)
	o.forward(res.engine, res.gen)

	if !o.session.InitSent {
		o.emitCheckpoint(entities.CheckpointInit)
	}
	if !o.counted {
		o.counted = true
		o.metrics.activeDelta(1)
	}
	o.notifier.RecordingChanged(true, res.source)

	o.logger.Info("Transcription engine active",
		zap.String("engine", string(o.session.EngineKind)),
		zap.String("audioSource", string(res.source)),
		zap.String("documentId", o.session.DocumentID),
		zap.Int("restartAttempts", o.session.RestartAttempts))

	if o.pendingStart != nil {
		o.pendingStart <- startReply{documentID: o.session.DocumentID}
		o.pendingStart = nil
	}
}

func (o *Orchestrator) handleStartFailure(err error) {
	if o.state == entities.SessionStateRestarting {
		o.logger.Warn("Engine re-initialization failed", zap.Error(err))
		o.handleFailure(err)
		return
	}

	// initial start
	captureErr := errors.Is(err, entities.ErrAudioCaptureDenied) || errors.Is(err, entities.ErrCapture)
	if o.session.EngineKind == entities.EngineStreaming && !o.fellBack && !captureErr {
		o.logger.Warn("Streaming engine failed to start, falling back to local recognition", zap.Error(err))
		o.fellBack = true
		o.session.EngineKind = entities.EngineLocal
		o.launch(entities.EngineLocal)
		return
	}

	o.logger.Error("Transcription session failed to start", zap.Error(err))
	if o.pendingStart != nil {
		o.pendingStart <- startReply{err: err}
		o.pendingStart = nil
	}
	o.reset()
}

// forward relays engine events into the inbox tagged with their generation
func (o *Orchestrator) forward(engine repositories.RecognitionEngine, gen uint64) {
	go func() {
		for ev := range engine.Events() {
			ev := ev
			if !o.post(func() { o.handleEngineEvent(gen, ev) }) {
				return
			}
		}
		o.post(func() { o.handleEngineClosed(gen) })
	}()
}

func (o *Orchestrator) handleEngineEvent(gen uint64, ev entities.EngineEvent) {
	if gen != o.gen || o.session == nil {
		return
	}

	switch ev.Type {
	case entities.EngineEventTranscript:
		if o.state != entities.SessionStateActive {
			return
		}
		now := o.clock.Now()
		if ev.Transcript.Kind == entities.TranscriptFinal {
			if o.session.AppendFinal(ev.Transcript, now) {
				o.notifier.TranscriptChanged(o.session.Transcript, "")
				o.scheduleUpdate()
			}
			return
		}
		o.session.SetInterim(ev.Transcript.Text, now)
		o.notifier.TranscriptChanged(o.session.Transcript, ev.Transcript.Text)

	case entities.EngineEventStatus:
		if ev.Status == entities.StatusConnected {
			o.logger.Debug("Engine connected")
			return
		}
		if ev.Reconnecting {
			o.logger.Info("Engine transport dropped, client is reconnecting", zap.Error(ev.Err))
			return
		}
		if o.state != entities.SessionStateActive {
			return
		}
		err := ev.Err
		if err == nil {
			err = entities.ErrTransportDrop
		}
		o.logger.Warn("Engine disconnected", zap.Error(err))
		o.handleFailure(err)
	}
}

func (o *Orchestrator) handleEngineClosed(gen uint64) {
	if gen != o.gen || o.state != entities.SessionStateActive {
		return
	}
	o.logger.Warn("Engine terminated without reporting a reason")
	o.handleFailure(fmt.Errorf("%w: engine terminated", entities.ErrAborted))
}

func (o *Orchestrator) maxRestarts() int {
	if o.session.EngineKind == entities.EngineStreaming {
		return o.opts.MaxRestartsStreaming
	}
	return o.opts.MaxRestartsLocal
}

// handleFailure decides between a scheduled restart and the failed state
func (o *Orchestrator) handleFailure(err error) {
	if entities.IsFatal(err) {
		o.fail(err)
		return
	}

	// Silence and provider duration limits end healthy sessions. They are
	// recycled at the base delay without spending the restart budget.
	expiry := entities.IsExpectedExpiry(err)
	if !expiry && o.session.RestartAttempts >= o.maxRestarts() {
		o.fail(fmt.Errorf("%w: %w", entities.ErrRetryExhausted, err))
		return
	}

	o.teardown()
	delay := o.opts.RestartBaseDelay
	if !expiry {
		o.session.RestartAttempts++
		delay = RestartDelay(o.session.RestartAttempts, o.opts.RestartBaseDelay, o.opts.RestartDelayCap)
	}
	o.transition(entities.SessionStateRestarting)

	o.restartSeq++
	seq := o.restartSeq
	o.restartTimer = o.clock.AfterFunc(delay, func() {
		o.post(func() { o.handleRestartTimer(seq) })
	})
	o.metrics.restart(o.session.EngineKind, delay)

	o.logger.Info("Scheduling engine restart",
		zap.Int("attempt", o.session.RestartAttempts),
		zap.Duration("delay", delay),
		zap.Error(err))
}

func (o *Orchestrator) handleRestartTimer(seq uint64) {
	if o.state != entities.SessionStateRestarting || seq != o.restartSeq {
		return
	}
	o.restartTimer = nil
	o.launch(o.session.EngineKind)
}

func (o *Orchestrator) fail(err error) {
	kind := o.session.EngineKind
	o.transition(entities.SessionStateFailed)
	o.metrics.failure(kind)
	o.logger.Error("Transcription session failed", zap.Error(err))
	o.notifier.TranscriptionError(err)
	o.handleStop()
}

// scheduleUpdate emits an Update now or arms the throttle timer. The timer
// reads the transcript when it fires so the latest text wins.
func (o *Orchestrator) scheduleUpdate() {
	if o.updateTimer != nil {
		return
	}
	now := o.clock.Now()
	elapsed := now.Sub(o.lastUpdate)
	if o.lastUpdate.IsZero() || elapsed >= o.opts.UpdateInterval {
		o.emitUpdate()
		return
	}

	o.updateSeq++
	seq := o.updateSeq
	o.updateTimer = o.clock.AfterFunc(o.opts.UpdateInterval-elapsed, func() {
		o.post(func() { o.handleUpdateTimer(seq) })
	})
}

func (o *Orchestrator) handleUpdateTimer(seq uint64) {
	if seq != o.updateSeq || o.session == nil {
		return
	}
	o.updateTimer = nil
	o.emitUpdate()
}

func (o *Orchestrator) emitUpdate() {
	o.lastUpdate = o.clock.Now()
	o.emitCheckpoint(entities.CheckpointUpdate)
}

func (o *Orchestrator) emitCheckpoint(kind entities.CheckpointKind) {
	if o.session.DocumentID == "" {
		o.session.DocumentID = o.gateway.AllocateDocumentID()
	}
	if kind == entities.CheckpointInit {
		o.session.InitSent = true
	}
	o.gateway.Emit(o.session.Checkpoint(kind, o.clock.Now()))
	o.metrics.checkpoint(kind)
}

func (o *Orchestrator) cancelTimers() {
	o.restartSeq++
	if o.restartTimer != nil {
		o.restartTimer.Stop()
		o.restartTimer = nil
	}
	o.updateSeq++
	if o.updateTimer != nil {
		o.updateTimer.Stop()
		o.updateTimer = nil
	}
}

// teardown stops the current engine and waits until it has released audio.
// Bumping the generation turns its remaining events stale.
func (o *Orchestrator) teardown() {
	o.gen++
	if o.startCancel != nil {
		o.startCancel()
		o.startCancel = nil
	}
	if o.engine == nil {
		return
	}
	engine := o.engine
	o.engine = nil
	if err := engine.Stop(); err != nil {
		o.logger.Warn("Engine stop failed", zap.Error(err))
	}
}

func (o *Orchestrator) handleStop() {
	if o.state == entities.SessionStateIdle {
		return
	}

	o.transition(entities.SessionStateStopping)
	o.cancelTimers()

	// Finalize goes out before the engine is torn down. Events that arrive
	// while Stopping are dropped.
	if o.session.HasTranscript() {
		if !o.session.InitSent {
			o.emitCheckpoint(entities.CheckpointInit)
		}
		o.emitCheckpoint(entities.CheckpointFinalize)
	}
	o.teardown()

	if o.pendingStart != nil {
		o.pendingStart <- startReply{err: fmt.Errorf("%w: session stopped before the engine started", entities.ErrAborted)}
		o.pendingStart = nil
	}

	o.logger.Info("Transcription session stopped",
		zap.String("meetingId", o.session.MeetingID),
		zap.String("documentId", o.session.DocumentID),
		zap.Int("words", entities.WordCount(o.session.Transcript)))

	o.notifier.RecordingChanged(false, "")
	o.reset()
}

func (o *Orchestrator) reset() {
	if o.counted {
		o.counted = false
		o.metrics.activeDelta(-1)
	}
	o.session = nil
	o.credential = ""
	o.fellBack = false
	o.lastUpdate = time.Time{}
	o.transition(entities.SessionStateIdle)
}

type nopNotifier struct{}

func (nopNotifier) RecordingChanged(bool, entities.AudioSource) {}
func (nopNotifier) TranscriptChanged(string, string)            {}
func (nopNotifier) TranscriptionError(error)                    {}
