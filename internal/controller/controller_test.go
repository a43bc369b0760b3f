package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/meetscribe/transcriber/domain"
	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
	"github.com/meetscribe/transcriber/internal/config"
)

type sentMessage struct {
	Type    string
	Payload interface{}
}

// fakeAgent records outbound frames and plays the browser side of capture
type fakeAgent struct {
	mu       sync.Mutex
	sent     []sentMessage
	tab      *Tab
	denyAll  bool
	captures map[string]int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{captures: make(map[string]int)}
}

func (a *fakeAgent) Send(msgType string, payload interface{}) error {
	a.mu.Lock()
	a.sent = append(a.sent, sentMessage{Type: msgType, Payload: payload})
	tab, deny := a.tab, a.denyAll
	a.mu.Unlock()

	if msgType == domain.MsgStartCapture && tab != nil {
		source := payload.(domain.CaptureRequestMessage).Source
		a.mu.Lock()
		a.captures[source]++
		a.mu.Unlock()
		go func() {
			if deny {
				tab.HandleMessage(context.Background(), envelope(domain.MsgCaptureFailed,
					domain.CaptureFailedMessage{Source: source, Error: "NotAllowedError", PermissionDenied: true}))
				return
			}
			tab.HandleMessage(context.Background(), envelope(domain.MsgCaptureStarted,
				domain.CaptureStartedMessage{Source: source, SampleRate: 48000, Channels: 2}))
		}()
	}
	return nil
}

func (a *fakeAgent) bind(tab *Tab) {
	a.mu.Lock()
	a.tab = tab
	a.mu.Unlock()
}

func (a *fakeAgent) find(msgType string) []sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []sentMessage
	for _, m := range a.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (a *fakeAgent) waitFor(t *testing.T, msgType string, n int) []sentMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if msgs := a.find(msgType); len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d %s messages, got %d", n, msgType, len(a.find(msgType)))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func envelope(msgType string, payload interface{}) domain.Envelope {
	data, err := domain.NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		panic(err)
	}
	return env
}

type stubEngine struct {
	kind   entities.EngineKind
	events chan entities.EngineEvent

	mu    sync.Mutex
	audio repositories.AudioHandle
	once  sync.Once
}

func (e *stubEngine) Kind() entities.EngineKind           { return e.kind }
func (e *stubEngine) Events() <-chan entities.EngineEvent { return e.events }

func (e *stubEngine) Start(ctx context.Context, audio repositories.AudioHandle) error {
	e.mu.Lock()
	e.audio = audio
	e.mu.Unlock()
	// drain frames the way a real engine would
	go func() {
		for range audio.Frames() {
		}
	}()
	e.events <- entities.ConnectedEvent()
	return nil
}

func (e *stubEngine) Stop() error {
	e.once.Do(func() {
		e.mu.Lock()
		audio := e.audio
		e.mu.Unlock()
		if audio != nil {
			audio.Release()
		}
		close(e.events)
	})
	return nil
}

type stubEngines struct {
	mu      sync.Mutex
	engines []*stubEngine
}

func (f *stubEngines) NewEngine(kind entities.EngineKind, credential string) (repositories.RecognitionEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &stubEngine{kind: kind, events: make(chan entities.EngineEvent, 16)}
	f.engines = append(f.engines, e)
	return e, nil
}

type stubGateway struct {
	mu          sync.Mutex
	next        int
	checkpoints []entities.Checkpoint
}

func (g *stubGateway) AllocateDocumentID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("doc-%d", g.next)
}

func (g *stubGateway) Emit(cp entities.Checkpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkpoints = append(g.checkpoints, cp)
}

func (g *stubGateway) kinds() []entities.CheckpointKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]entities.CheckpointKind, len(g.checkpoints))
	for i, cp := range g.checkpoints {
		out[i] = cp.Kind
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session.ReadyTimeoutMS = 100
	cfg.Session.StatusBroadcastEveryMS = 0
	cfg.Capture.OpenTimeoutMS = 1000
	return cfg
}

type harness struct {
	ctrl    *Controller
	agent   *fakeAgent
	tab     *Tab
	gateway *stubGateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := &stubGateway{}
	ctrl := New(Deps{
		Config:  testConfig(),
		Engines: &stubEngines{},
		Gateway: gw,
	}, zaptest.NewLogger(t))

	agent := newFakeAgent()
	tab := ctrl.Attach(context.Background(), "tab-1", agent)
	agent.bind(tab)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})
	return &harness{ctrl: ctrl, agent: agent, tab: tab, gateway: gw}
}

func (h *harness) send(msgType string, payload interface{}) {
	h.tab.HandleMessage(context.Background(), envelope(msgType, payload))
}

func TestStartRequiresHandshake(t *testing.T) {
	h := newHarness(t)

	h.send(domain.MsgStartTranscription, domain.StartTranscriptionMessage{Meeting: "abc-defg-hij", UserID: "u1", Credential: "key"})
	resp := h.agent.waitFor(t, domain.MsgStartTranscriptionResponse, 1)[0].Payload.(domain.StartTranscriptionResponse)
	if resp.Success || resp.Error != ErrNotReady.Error() {
		t.Fatalf("Expected not-ready failure, got %+v", resp)
	}
	if len(h.agent.find(domain.MsgStartCapture)) != 0 {
		t.Error("Capture must not start before the handshake")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)

	h.send(domain.MsgContentScriptReady, domain.ContentScriptReadyMessage{MeetingURL: "https://meet.google.com/abc-defg-hij"})
	h.send(domain.MsgStartTranscription, domain.StartTranscriptionMessage{Meeting: "abc-defg-hij", UserID: "u1", Credential: "key"})

	resp := h.agent.waitFor(t, domain.MsgStartTranscriptionResponse, 1)[0].Payload.(domain.StartTranscriptionResponse)
	if !resp.Success || resp.DocumentID != "doc-1" || resp.Engine != string(entities.EngineStreaming) {
		t.Fatalf("Unexpected start response %+v", resp)
	}
	if src := h.agent.find(domain.MsgStartCapture)[0].Payload.(domain.CaptureRequestMessage).Source; src != "tab" {
		t.Errorf("Expected tab capture first, got %s", src)
	}
	indicator := h.agent.waitFor(t, domain.MsgRecordingIndicator, 1)[0].Payload.(domain.RecordingIndicatorMessage)
	if !indicator.Recording || indicator.Source != "tab" {
		t.Errorf("Unexpected indicator %+v", indicator)
	}

	// 100ms of 48kHz stereo PCM
	h.tab.HandleAudio(make([]byte, 4800*2*2))

	h.send(domain.MsgGetTranscriptionStatus, nil)
	status := h.agent.waitFor(t, domain.MsgTranscriptionStatus, 1)[0].Payload.(domain.TranscriptionStatusMessage)
	if !status.IsTranscribing {
		t.Error("Expected isTranscribing")
	}

	// a second start is a no-op returning the same document
	h.send(domain.MsgStartTranscription, domain.StartTranscriptionMessage{Meeting: "abc-defg-hij", UserID: "u1", Credential: "key"})
	second := h.agent.waitFor(t, domain.MsgStartTranscriptionResponse, 2)[1].Payload.(domain.StartTranscriptionResponse)
	if !second.Success || second.DocumentID != "doc-1" {
		t.Errorf("Expected idempotent start, got %+v", second)
	}

	h.send(domain.MsgStopTranscription, nil)
	stop := h.agent.waitFor(t, domain.MsgStopTranscriptionResponse, 1)[0].Payload.(domain.StopTranscriptionResponse)
	if !stop.Success {
		t.Error("Stop must always succeed")
	}
	h.agent.waitFor(t, domain.MsgStopCapture, 1)
	indicators := h.agent.waitFor(t, domain.MsgRecordingIndicator, 2)
	if indicators[1].Payload.(domain.RecordingIndicatorMessage).Recording {
		t.Error("Expected recording indicator cleared")
	}

	kinds := h.gateway.kinds()
	if len(kinds) != 1 || kinds[0] != entities.CheckpointInit {
		t.Errorf("Expected only Init for an empty transcript, got %v", kinds)
	}
}

func TestStartCaptureDenied(t *testing.T) {
	h := newHarness(t)
	h.agent.denyAll = true

	h.tab.MarkReady("")
	resp := h.tab.Start(context.Background(), domain.StartTranscriptionMessage{Meeting: "abc-defg-hij", UserID: "u1", Credential: "key"})
	if resp.Success || resp.Error != "Audio capture permission denied" {
		t.Fatalf("Expected capture denial, got %+v", resp)
	}
	if h.agent.captures["tab"] != 1 || h.agent.captures["microphone"] != 1 {
		t.Errorf("Expected tab then microphone attempts, got %v", h.agent.captures)
	}
	if h.tab.Status().IsTranscribing {
		t.Error("Session must be idle after a failed start")
	}
}

func TestNavigationStopsSession(t *testing.T) {
	h := newHarness(t)
	h.tab.MarkReady("https://meet.google.com/abc-defg-hij")
	if resp := h.tab.Start(context.Background(), domain.StartTranscriptionMessage{Meeting: "abc-defg-hij", UserID: "u1", Credential: "key"}); !resp.Success {
		t.Fatalf("start failed: %+v", resp)
	}

	h.send(domain.MsgTabNavigated, domain.TabNavigatedMessage{URL: "https://meet.google.com/abc-defg-hij?authuser=1"})
	time.Sleep(50 * time.Millisecond)
	if !h.tab.Status().IsTranscribing {
		t.Fatal("Same-meeting navigation must not stop the session")
	}

	h.send(domain.MsgTabNavigated, domain.TabNavigatedMessage{URL: "https://meet.google.com/landing"})
	deadline := time.Now().Add(5 * time.Second)
	for h.tab.Status().IsTranscribing {
		if time.Now().After(deadline) {
			t.Fatal("Navigation away did not stop the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTabClosedStopsSession(t *testing.T) {
	h := newHarness(t)
	h.tab.MarkReady("")
	if resp := h.tab.Start(context.Background(), domain.StartTranscriptionMessage{Meeting: "m1", UserID: "u1"}); !resp.Success {
		t.Fatalf("start failed: %+v", resp)
	}
	if resp := h.tab.Status(); resp.EngineKind != entities.EngineLocal {
		t.Errorf("Expected local engine without credential, got %s", resp.EngineKind)
	}

	h.send(domain.MsgTabClosed, nil)
	h.agent.waitFor(t, domain.MsgStopCapture, 1)
}

func TestAttachReplacesBinding(t *testing.T) {
	h := newHarness(t)
	h.tab.MarkReady("")
	if resp := h.tab.Start(context.Background(), domain.StartTranscriptionMessage{Meeting: "m1", UserID: "u1", Credential: "k"}); !resp.Success {
		t.Fatalf("start failed: %+v", resp)
	}

	agent := newFakeAgent()
	replacement := h.ctrl.Attach(context.Background(), "tab-1", agent)
	if got, _ := h.ctrl.Tab("tab-1"); got != replacement {
		t.Fatal("Expected the new binding to be registered")
	}
	if h.tab.Status().IsTranscribing {
		t.Error("Old binding must be stopped")
	}

	// detaching the stale binding leaves the new one in place
	h.ctrl.Detach(context.Background(), h.tab)
	if _, err := h.ctrl.Tab("tab-1"); err != nil {
		t.Errorf("Stale detach removed the live binding: %v", err)
	}

	connected, transcribing := h.ctrl.Stats()
	if connected != 1 || transcribing != 0 {
		t.Errorf("Unexpected stats %d/%d", connected, transcribing)
	}
}

func TestUnknownTab(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.Tab("missing"); !errors.Is(err, ErrTabNotFound) {
		t.Errorf("Expected ErrTabNotFound, got %v", err)
	}
}

func TestNotifierThrottlesTranscriptUpdates(t *testing.T) {
	mock := clock.NewMock()
	agent := newFakeAgent()
	n := newAgentNotifier(agent, 500*time.Millisecond, mock, zaptest.NewLogger(t))

	n.TranscriptChanged("a", "")
	n.TranscriptChanged("a", "b")
	n.TranscriptChanged("a", "bc")
	if got := len(agent.find(domain.MsgTranscriptUpdate)); got != 1 {
		t.Fatalf("Expected leading update only, got %d", got)
	}

	mock.Add(500 * time.Millisecond)
	updates := agent.waitFor(t, domain.MsgTranscriptUpdate, 2)
	if last := updates[1].Payload.(*domain.TranscriptUpdateMessage); last.Interim != "bc" {
		t.Errorf("Expected latest interim, got %q", last.Interim)
	}

	n.TranscriptChanged("a\nd", "")
	n.RecordingChanged(false, "")
	updates = agent.find(domain.MsgTranscriptUpdate)
	if len(updates) != 3 {
		t.Fatalf("Expected pending update flushed before indicator, got %d", len(updates))
	}
}

func TestMeetingFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://meet.google.com/abc-defg-hij", "abc-defg-hij"},
		{"https://meet.google.com/abc-defg-hij/?authuser=0", "abc-defg-hij"},
		{"https://meet.google.com/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := meetingFromURL(tt.in); got != tt.want {
			t.Errorf("meetingFromURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnginesFromConfig(t *testing.T) {
	cfg := testConfig()
	engines, err := NewEngines(cfg, clock.New(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewEngines: %v", err)
	}

	streaming, err := engines.NewEngine(entities.EngineStreaming, "key")
	if err != nil || streaming.Kind() != entities.EngineStreaming {
		t.Fatalf("Unexpected streaming engine %v %v", streaming, err)
	}

	local, err := engines.NewEngine(entities.EngineLocal, "")
	if err != nil {
		t.Fatalf("NewEngine local: %v", err)
	}
	err = local.Start(context.Background(), nopHandle{})
	if !errors.Is(err, entities.ErrEngineInit) {
		t.Errorf("Expected ErrEngineInit without a recognizer, got %v", err)
	}

	cfg.Streaming.Provider = "carrier-pigeon"
	if _, err := NewEngines(cfg, clock.New(), zaptest.NewLogger(t)); err == nil {
		t.Error("Expected unknown provider error")
	}
}

type nopHandle struct{}

func (nopHandle) Source() entities.AudioSource { return entities.AudioSourceTab }
func (nopHandle) Frames() <-chan []int16       { return nil }
func (nopHandle) Release() error               { return nil }
