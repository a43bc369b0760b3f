package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/adapters/capture"
	"github.com/meetscribe/transcriber/domain"
	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/internal/session"
)

// Tab is one browser tab bound to its agent connection
type Tab struct {
	id           string
	agent        Agent
	device       *capture.AgentDevice
	orchestrator *session.Orchestrator
	notifier     *agentNotifier
	readyTimeout time.Duration
	clock        clock.Clock
	logger       *zap.Logger

	ready      chan struct{}
	readyOnce  sync.Once
	mu         sync.Mutex
	meetingURL string
	meetingID  string
}

// ID returns the tab id
func (t *Tab) ID() string { return t.id }

// HandleMessage dispatches one control frame from the agent
func (t *Tab) HandleMessage(ctx context.Context, env domain.Envelope) {
	switch env.Type {
	case domain.MsgContentScriptReady:
		var msg domain.ContentScriptReadyMessage
		if err := env.Decode(&msg); err != nil {
			t.logger.Warn("Invalid handshake", zap.Error(err))
		}
		t.MarkReady(msg.MeetingURL)

	case domain.MsgStartTranscription:
		var msg domain.StartTranscriptionMessage
		if err := env.Decode(&msg); err != nil {
			t.reply(domain.MsgStartTranscriptionResponse, domain.StartTranscriptionResponse{Error: err.Error()})
			return
		}
		// Start can block on the handshake and engine startup; keep reading frames meanwhile
		go func() {
			t.reply(domain.MsgStartTranscriptionResponse, t.Start(context.WithoutCancel(ctx), msg))
		}()

	case domain.MsgStopTranscription:
		go func() {
			t.Stop(context.WithoutCancel(ctx))
			t.reply(domain.MsgStopTranscriptionResponse, domain.StopTranscriptionResponse{Success: true})
		}()

	case domain.MsgGetTranscriptionStatus:
		t.reply(domain.MsgTranscriptionStatus, domain.TranscriptionStatusMessage{
			IsTranscribing: t.Status().IsTranscribing,
		})

	case domain.MsgTabClosed:
		t.logger.Info("Tab closed, stopping session")
		go t.Stop(context.WithoutCancel(ctx))

	case domain.MsgTabNavigated:
		var msg domain.TabNavigatedMessage
		if err := env.Decode(&msg); err != nil {
			t.logger.Warn("Invalid navigation message", zap.Error(err))
			return
		}
		t.handleNavigation(context.WithoutCancel(ctx), msg.URL)

	case domain.MsgCaptureStarted:
		var msg domain.CaptureStartedMessage
		if err := env.Decode(&msg); err != nil {
			t.logger.Warn("Invalid capture confirmation", zap.Error(err))
			return
		}
		t.device.HandleStarted(msg)

	case domain.MsgCaptureFailed:
		var msg domain.CaptureFailedMessage
		if err := env.Decode(&msg); err != nil {
			t.logger.Warn("Invalid capture failure", zap.Error(err))
			return
		}
		t.device.HandleFailed(msg)

	default:
		t.logger.Warn("Unknown message type", zap.String("type", env.Type))
	}
}

// HandleAudio forwards a binary PCM frame to the capture device
func (t *Tab) HandleAudio(data []byte) {
	t.device.Push(data)
}

// MarkReady records the content script handshake
func (t *Tab) MarkReady(meetingURL string) {
	t.mu.Lock()
	if meetingURL != "" {
		t.meetingURL = meetingURL
	}
	t.mu.Unlock()
	t.readyOnce.Do(func() {
		close(t.ready)
		t.logger.Info("Content script ready", zap.String("meetingUrl", meetingURL))
	})
}

func (t *Tab) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}

	timer := t.clock.Timer(t.readyTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return nil
	case <-timer.C:
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start handles START_TRANSCRIPTION
func (t *Tab) Start(ctx context.Context, msg domain.StartTranscriptionMessage) domain.StartTranscriptionResponse {
	if err := t.waitReady(ctx); err != nil {
		t.logger.Warn("Start rejected", zap.Error(err))
		return domain.StartTranscriptionResponse{Error: err.Error()}
	}

	docID, err := t.orchestrator.Start(ctx, session.StartRequest{
		MeetingID:  msg.Meeting,
		UserID:     msg.UserID,
		Credential: msg.Credential,
	})
	if err != nil {
		t.logger.Warn("Failed to start transcription",
			zap.String("meetingId", msg.Meeting),
			zap.Error(err))
		return domain.StartTranscriptionResponse{Error: startErrorMessage(err)}
	}

	t.mu.Lock()
	t.meetingID = msg.Meeting
	t.mu.Unlock()

	return domain.StartTranscriptionResponse{
		Success:    true,
		DocumentID: docID,
		Engine:     string(t.orchestrator.Status().EngineKind),
	}
}

// Stop handles STOP_TRANSCRIPTION. It always succeeds.
func (t *Tab) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := t.orchestrator.Stop(ctx); err != nil {
		t.logger.Warn("Stop did not complete", zap.Error(err))
	}
}

// Status returns the session snapshot
func (t *Tab) Status() session.Status {
	return t.orchestrator.Status()
}

// RequestCapture asks the agent to start or stop capturing a source
func (t *Tab) RequestCapture(source entities.AudioSource, start bool) error {
	msgType := domain.MsgStopCapture
	if start {
		msgType = domain.MsgStartCapture
	}
	return t.agent.Send(msgType, domain.CaptureRequestMessage{Source: string(source)})
}

// handleNavigation stops the session when the tab leaves the meeting it records
func (t *Tab) handleNavigation(ctx context.Context, rawURL string) {
	status := t.Status()
	if !status.IsTranscribing {
		return
	}
	meetingID := t.currentMeetingID()
	if meetingID != "" && meetingFromURL(rawURL) == meetingID {
		return
	}
	t.logger.Info("Tab navigated away from meeting, stopping session",
		zap.String("url", rawURL),
		zap.String("meetingId", meetingID))
	go t.Stop(ctx)
}

func (t *Tab) currentMeetingID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meetingID != "" {
		return t.meetingID
	}
	return meetingFromURL(t.meetingURL)
}

func (t *Tab) reply(msgType string, payload interface{}) {
	if err := t.agent.Send(msgType, payload); err != nil {
		t.logger.Warn("Failed to send reply", zap.String("type", msgType), zap.Error(err))
	}
}

func (t *Tab) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	err := t.orchestrator.Close(ctx)
	t.notifier.stop()
	return err
}

// meetingFromURL returns the last path segment of a meeting URL
func meetingFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	seg := path.Base(path.Clean("/" + u.Path))
	if seg == "/" || seg == "." {
		return ""
	}
	return seg
}

func startErrorMessage(err error) string {
	switch {
	case errors.Is(err, entities.ErrPermissionDenied):
		return "Transcription permission denied"
	case errors.Is(err, entities.ErrAudioCaptureDenied):
		return "Audio capture permission denied"
	case errors.Is(err, entities.ErrEngineInit):
		return fmt.Sprintf("Speech engine unavailable: %v", err)
	default:
		return err.Error()
	}
}
