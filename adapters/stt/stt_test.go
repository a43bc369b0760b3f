package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

// Ensure both transports satisfy Transport
var (
	_ Transport = (*WebSocketTransport)(nil)
	_ Transport = (*GoogleTransport)(nil)
)

// fakeHandle is an audio handle fed by the test
type fakeHandle struct {
	frames   chan []int16
	released int32
}

func newFakeHandle(buffer int) *fakeHandle {
	return &fakeHandle{frames: make(chan []int16, buffer)}
}

func (h *fakeHandle) Source() entities.AudioSource { return entities.AudioSourceTab }
func (h *fakeHandle) Frames() <-chan []int16       { return h.frames }
func (h *fakeHandle) Release() error {
	atomic.AddInt32(&h.released, 1)
	return nil
}
func (h *fakeHandle) wasReleased() bool { return atomic.LoadInt32(&h.released) > 0 }

func drain(t *testing.T, events <-chan entities.EngineEvent, timeout time.Duration) []entities.EngineEvent {
	t.Helper()
	var out []entities.EngineEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timeout waiting for events to close, got %d", len(out))
		}
	}
}

func waitEvents(t *testing.T, events <-chan entities.EngineEvent, n int) []entities.EngineEvent {
	t.Helper()
	var out []entities.EngineEvent
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed after %d of %d", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timeout after %d of %d events", len(out), n)
		}
	}
	return out
}

func resultsFrame(text string, final bool, speaker int) []byte {
	return []byte(fmt.Sprintf(`{"type":"Results","is_final":%t,"channel":{"alternatives":[{"transcript":%q,"words":[{"word":"w","speaker":%d}]}]}}`,
		final, text, speaker))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
}

func TestReconnectPolicyDelay(t *testing.T) {
	p := ReconnectPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w*time.Second {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w*time.Second, got)
		}
	}
}

func TestParseProviderMessage(t *testing.T) {
	ev, ok := parseProviderMessage(resultsFrame("hello there", true, 2))
	if !ok {
		t.Fatal("expected results frame to parse")
	}
	if ev.Kind != entities.TranscriptFinal || ev.Text != "hello there" || ev.SpeakerID != "2" {
		t.Errorf("unexpected event %+v", ev)
	}

	ev, ok = parseProviderMessage([]byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`))
	if !ok || ev.Kind != entities.TranscriptInterim || ev.SpeakerID != "" {
		t.Errorf("unexpected interim %+v ok=%v", ev, ok)
	}

	for _, raw := range []string{
		`{"type":"Metadata"}`,
		`{"type":"Results","channel":{"alternatives":[{"transcript":"  "}]}}`,
		`not json`,
	} {
		if _, ok := parseProviderMessage([]byte(raw)); ok {
			t.Errorf("expected %q to be skipped", raw)
		}
	}
}

func TestWebSocketEndpoint(t *testing.T) {
	tr := NewWebSocketTransport("wss://api.example.com/v1/listen", "en-US", true, time.Second, zaptest.NewLogger(t))
	endpoint, err := tr.Endpoint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, part := range []string{"encoding=linear16", "sample_rate=16000", "channels=1", "interim_results=true", "diarize=true", "language=en-US"} {
		if !strings.Contains(endpoint, part) {
			t.Errorf("endpoint %s missing %s", endpoint, part)
		}
	}
}

func TestStreamingClientReconnectsAfterAbnormalClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if atomic.AddInt32(&connections, 1) == 1 {
			conn.WriteMessage(websocket.TextMessage, resultsFrame("hello", true, 0))
			time.Sleep(50 * time.Millisecond)
			// drop without a close frame (1006 on the client)
			conn.UnderlyingConn().Close()
			return
		}

		conn.WriteMessage(websocket.TextMessage, resultsFrame("world", true, 1))
		for {
			// the default close handler answers the client's normal closure
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	transport := NewWebSocketTransport(wsURL(srv), "", true, time.Second, logger)
	client := NewStreamingClient(transport, "secret",
		ReconnectPolicy{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond, MaxAttempts: 3},
		2*time.Second, nil, logger)

	audio := newFakeHandle(8)
	audio.frames <- make([]int16, 1600)
	if err := client.Start(context.Background(), audio); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := waitEvents(t, client.Events(), 5)
	if events[0].Status != entities.StatusConnected {
		t.Errorf("expected Connected first, got %+v", events[0])
	}
	if events[1].Type != entities.EngineEventTranscript || events[1].Transcript.Text != "hello" {
		t.Errorf("expected hello transcript, got %+v", events[1])
	}
	if events[2].Status != entities.StatusDisconnected || !events[2].Reconnecting {
		t.Errorf("expected reconnecting disconnect, got %+v", events[2])
	}
	if !errors.Is(events[2].Err, entities.ErrTransportDrop) {
		t.Errorf("expected transport drop, got %v", events[2].Err)
	}
	if events[3].Status != entities.StatusConnected {
		t.Errorf("expected Connected after reconnect, got %+v", events[3])
	}
	if events[4].Transcript.Text != "world" || events[4].Transcript.SpeakerID != "1" {
		t.Errorf("expected world from speaker 1, got %+v", events[4])
	}

	if err := client.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	rest := drain(t, client.Events(), 3*time.Second)
	for _, ev := range rest {
		if ev.Status == entities.StatusDisconnected && !ev.Reconnecting {
			t.Errorf("graceful stop must not report an engine failure: %+v", ev)
		}
	}
	if !audio.wasReleased() {
		t.Error("audio should be released after stop")
	}
	if n := atomic.LoadInt32(&connections); n != 2 {
		t.Errorf("expected 2 connections, got %d", n)
	}
}

func TestStreamingClientGracefulStop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	texts := make(chan string, 8)
	closeCode := make(chan int, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closeCode <- ce.Code
				} else {
					closeCode <- -1
				}
				return
			}
			if msgType == websocket.TextMessage {
				texts <- string(data)
			}
		}
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	client := NewStreamingClient(NewWebSocketTransport(wsURL(srv), "", false, time.Second, logger), "secret",
		ReconnectPolicy{Base: 10 * time.Millisecond, Cap: 10 * time.Millisecond, MaxAttempts: 1},
		2*time.Second, nil, logger)

	audio := newFakeHandle(1)
	if err := client.Start(context.Background(), audio); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitEvents(t, client.Events(), 1)

	if err := client.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	select {
	case text := <-texts:
		if strings.TrimSpace(text) != `{"type":"CloseStream"}` {
			t.Errorf("expected the end-of-stream frame first, got %s", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("provider never received the end-of-stream frame")
	}
	select {
	case code := <-closeCode:
		if code != websocket.CloseNormalClosure {
			t.Errorf("expected close code 1000, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("provider never saw the connection close")
	}
}

func TestStreamingClientReconnectExhaustion(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&connections, 1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	client := NewStreamingClient(NewWebSocketTransport(wsURL(srv), "", false, time.Second, logger), "secret",
		ReconnectPolicy{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 2},
		time.Second, nil, logger)

	audio := newFakeHandle(1)
	if err := client.Start(context.Background(), audio); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := drain(t, client.Events(), 5*time.Second)
	last := events[len(events)-1]
	if last.Status != entities.StatusDisconnected || last.Reconnecting {
		t.Fatalf("expected terminal disconnect, got %+v", last)
	}
	if !errors.Is(last.Err, entities.ErrRetryExhausted) || !errors.Is(last.Err, entities.ErrTransportDrop) {
		t.Errorf("expected exhausted transport drop, got %v", last.Err)
	}
	if !audio.wasReleased() {
		t.Error("audio should be released after exhaustion")
	}
	if n := atomic.LoadInt32(&connections); n != 3 {
		t.Errorf("expected 1 connection and 2 reconnect attempts, got %d", n)
	}
}

func TestStreamingClientUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	client := NewStreamingClient(NewWebSocketTransport(wsURL(srv), "", false, time.Second, logger), "bad",
		ReconnectPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 1},
		time.Second, nil, logger)

	audio := newFakeHandle(1)
	err := client.Start(context.Background(), audio)
	if !errors.Is(err, entities.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if !entities.IsFatal(err) {
		t.Error("permission denied should be fatal")
	}
	if !audio.wasReleased() {
		t.Error("audio should be released when start fails")
	}
	if err := client.Stop(); err != nil {
		t.Errorf("stop after failed start: %v", err)
	}
}

func TestClassifyGoogleError(t *testing.T) {
	tests := []struct {
		code codes.Code
		want error
	}{
		{codes.Unavailable, entities.ErrTransportDrop},
		{codes.Internal, entities.ErrTransportDrop},
		{codes.OutOfRange, entities.ErrProviderSessionExpiry},
		{codes.DeadlineExceeded, entities.ErrProviderSessionExpiry},
		{codes.Unauthenticated, entities.ErrPermissionDenied},
		{codes.PermissionDenied, entities.ErrPermissionDenied},
		{codes.InvalidArgument, entities.ErrNetwork},
	}
	for _, tt := range tests {
		err := classifyGoogleError(fmt.Errorf("wrapped: %w", status.Error(tt.code, "boom")))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.code, tt.want, err)
		}
	}
}

// scriptedRecognizer returns a fixed transcript and counts calls
type scriptedRecognizer struct {
	mu     sync.Mutex
	text   string
	finals int
	calls  int
}

func (r *scriptedRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (repositories.TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if final {
		r.finals++
	}
	return repositories.TranscriptResult{Text: r.text, Confidence: 0.9}, nil
}

func localOptions() LocalOptions {
	return LocalOptions{
		MaxSession:     60 * time.Second,
		SilenceTimeout: 8 * time.Second,
		EndOfUtterance: 800 * time.Millisecond,
		PartialEvery:   500 * time.Millisecond,
		SilenceRMS:     500,
		StopTimeout:    time.Second,
	}
}

func tone(amplitude int16) []int16 {
	frame := make([]int16, 1600)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = amplitude
		} else {
			frame[i] = -amplitude
		}
	}
	return frame
}

func TestLocalClientNoSpeechTimeout(t *testing.T) {
	recognizer := &scriptedRecognizer{text: "unused"}
	client := NewLocalClient(recognizer, localOptions(), zaptest.NewLogger(t))

	// nine seconds of silence against an eight second threshold
	audio := newFakeHandle(90)
	for i := 0; i < 90; i++ {
		audio.frames <- make([]int16, 1600)
	}

	if err := client.Start(context.Background(), audio); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := drain(t, client.Events(), 5*time.Second)
	if len(events) != 2 {
		t.Fatalf("expected Connected and one Disconnected, got %+v", events)
	}
	if !errors.Is(events[1].Err, entities.ErrNoSpeechTimeout) || events[1].Reconnecting {
		t.Errorf("expected NoSpeechTimeout, got %+v", events[1])
	}
	if !entities.IsRetryable(events[1].Err) {
		t.Error("no speech timeout should be retryable")
	}
	if recognizer.calls != 0 {
		t.Errorf("recognizer should not run on silence, ran %d times", recognizer.calls)
	}
	if !audio.wasReleased() {
		t.Error("audio should be released")
	}
}

func TestLocalClientEmitsFinalAfterUtterance(t *testing.T) {
	recognizer := &scriptedRecognizer{text: "good morning"}
	client := NewLocalClient(recognizer, localOptions(), zaptest.NewLogger(t))

	// one second of speech then one second of silence
	audio := newFakeHandle(20)
	for i := 0; i < 10; i++ {
		audio.frames <- tone(3000)
	}
	for i := 0; i < 10; i++ {
		audio.frames <- make([]int16, 1600)
	}

	if err := client.Start(context.Background(), audio); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var final *entities.TranscriptEvent
	var interims int
	deadline := time.After(5 * time.Second)
	for final == nil {
		select {
		case ev := <-client.Events():
			if ev.Type != entities.EngineEventTranscript {
				continue
			}
			if ev.Transcript.Kind == entities.TranscriptInterim {
				interims++
				continue
			}
			tr := ev.Transcript
			final = &tr
		case <-deadline:
			t.Fatal("timeout waiting for final")
		}
	}

	if final.Text != "good morning" {
		t.Errorf("unexpected final %q", final.Text)
	}
	if interims != 1 {
		t.Errorf("identical interim text should be published once, got %d", interims)
	}

	client.Stop()
	drain(t, client.Events(), 2*time.Second)
	if recognizer.finals != 1 {
		t.Errorf("expected one final transcription, got %d", recognizer.finals)
	}
	if !audio.wasReleased() {
		t.Error("audio should be released after stop")
	}
}

func TestLocalClientMaxSessionFinalizesPendingSpeech(t *testing.T) {
	recognizer := &scriptedRecognizer{text: "still talking"}
	opts := localOptions()
	opts.MaxSession = 2 * time.Second
	opts.PartialEvery = 0
	client := NewLocalClient(recognizer, opts, zaptest.NewLogger(t))

	audio := newFakeHandle(20)
	for i := 0; i < 20; i++ {
		audio.frames <- tone(3000)
	}
	if err := client.Start(context.Background(), audio); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := drain(t, client.Events(), 5*time.Second)
	if len(events) != 3 {
		t.Fatalf("expected Connected, Final, Disconnected, got %+v", events)
	}
	if events[1].Transcript.Kind != entities.TranscriptFinal || events[1].Transcript.Text != "still talking" {
		t.Errorf("pending speech should be finalized first, got %+v", events[1])
	}
	if !errors.Is(events[2].Err, entities.ErrProviderSessionExpiry) {
		t.Errorf("expected session expiry, got %v", events[2].Err)
	}
}

func TestLocalClientMissingBinary(t *testing.T) {
	recognizer, err := NewExecRecognizer("definitely-not-a-recognizer-binary --fast", "", "en")
	if err != nil {
		t.Fatalf("parse command: %v", err)
	}
	client := NewLocalClient(recognizer, localOptions(), zaptest.NewLogger(t))

	audio := newFakeHandle(1)
	if err := client.Start(context.Background(), audio); !errors.Is(err, entities.ErrEngineInit) {
		t.Fatalf("expected ErrEngineInit, got %v", err)
	}
	if !audio.wasReleased() {
		t.Error("audio should be released when start fails")
	}
	if _, ok := <-client.Events(); ok {
		t.Error("events should be closed after a failed start")
	}
}

type brokenRecognizer struct {
	err   error
	calls int32
}

func (r *brokenRecognizer) Transcribe(context.Context, []byte, int, int, bool) (repositories.TranscriptResult, error) {
	atomic.AddInt32(&r.calls, 1)
	return repositories.TranscriptResult{}, r.err
}

func TestLocalClientRecognizerGoneStopsAtOnce(t *testing.T) {
	recognizer := &brokenRecognizer{err: fmt.Errorf("%w: binary removed", entities.ErrEngineInit)}
	client := NewLocalClient(recognizer, localOptions(), zaptest.NewLogger(t))

	audio := newFakeHandle(20)
	for i := 0; i < 20; i++ {
		audio.frames <- tone(3000)
	}
	if err := client.Start(context.Background(), audio); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := drain(t, client.Events(), 5*time.Second)
	last := events[len(events)-1]
	if last.Status != entities.StatusDisconnected || !errors.Is(last.Err, entities.ErrEngineInit) {
		t.Fatalf("expected engine init disconnect, got %+v", last)
	}
	if n := atomic.LoadInt32(&recognizer.calls); n != 1 {
		t.Errorf("an unavailable recognizer should not be retried, got %d calls", n)
	}
}

func TestLocalClientTransientRecognizerFailures(t *testing.T) {
	recognizer := &brokenRecognizer{err: fmt.Errorf("%w: recognizer exited", entities.ErrAborted)}
	client := NewLocalClient(recognizer, localOptions(), zaptest.NewLogger(t))

	audio := newFakeHandle(40)
	for i := 0; i < 40; i++ {
		audio.frames <- tone(3000)
	}
	if err := client.Start(context.Background(), audio); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := drain(t, client.Events(), 5*time.Second)
	last := events[len(events)-1]
	if !errors.Is(last.Err, entities.ErrAborted) {
		t.Fatalf("expected aborted disconnect, got %+v", last)
	}
	if n := atomic.LoadInt32(&recognizer.calls); n != maxRecognizerErrors {
		t.Errorf("expected %d attempts before giving up, got %d", maxRecognizerErrors, n)
	}
}

// writeRecognizerScript installs a shell script standing in for a recognizer binary
func writeRecognizerScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "recognizer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRecognizerExpandsPlaceholders(t *testing.T) {
	script := writeRecognizerScript(t, `echo "$@" >&2
for a in "$@"; do case "$a" in *.wav) test -s "$a" || exit 3;; esac; done
echo "  hello"
echo "world  "
`)
	r, err := NewExecRecognizer(script+" -m {model} -l {language} {partial} -f {audio}", "/models/base.bin", "en")
	if err != nil {
		t.Fatal(err)
	}

	args := r.args("/tmp/u.wav", false)
	want := []string{"-m", "/models/base.bin", "-l", "en", "--partial", "-f", "/tmp/u.wav"}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("expected %v, got %v", want, args)
	}
	if got := r.args("/tmp/u.wav", true); strings.Contains(strings.Join(got, " "), "--partial") {
		t.Errorf("final runs must not be partial: %v", got)
	}

	result, err := r.Transcribe(context.Background(), make([]byte, 3200), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "hello world" {
		t.Errorf("expected plain text output joined, got %q", result.Text)
	}
}

func TestExecRecognizerAppendsAudioPath(t *testing.T) {
	r, err := NewExecRecognizer("recognize --fast", "", "")
	if err != nil {
		t.Fatal(err)
	}
	args := r.args("/tmp/u.wav", true)
	if len(args) != 2 || args[1] != "/tmp/u.wav" {
		t.Errorf("expected the audio path appended, got %v", args)
	}
}

func TestExecRecognizerJSONOutput(t *testing.T) {
	script := writeRecognizerScript(t, `echo '{"text":" good morning ","confidence":0.8}'`)
	r, err := NewExecRecognizer(script, "", "")
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "good morning" || result.Confidence != 0.8 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestExecRecognizerErrorTaxonomy(t *testing.T) {
	crashing := writeRecognizerScript(t, "echo boom >&2\nexit 1\n")
	r, err := NewExecRecognizer(crashing, "", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true)
	if !errors.Is(err, entities.ErrAborted) || errors.Is(err, entities.ErrEngineInit) {
		t.Errorf("a crashing run should be transient, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("stderr should be reported, got %v", err)
	}

	garbled := writeRecognizerScript(t, "echo '{not json'\n")
	r, _ = NewExecRecognizer(garbled, "", "")
	if _, err := r.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true); !errors.Is(err, entities.ErrAborted) {
		t.Errorf("undecodable output should be transient, got %v", err)
	}

	r, _ = NewExecRecognizer(filepath.Join(t.TempDir(), "removed-recognizer"), "", "")
	if _, err := r.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true); !errors.Is(err, entities.ErrEngineInit) {
		t.Errorf("a missing binary should be an init failure, got %v", err)
	}

	r, _ = NewExecRecognizer(crashing, filepath.Join(t.TempDir(), "missing.bin"), "")
	if err := r.Available(); !errors.Is(err, entities.ErrEngineInit) {
		t.Errorf("a missing model should be an init failure, got %v", err)
	}

	if _, err := r.Transcribe(context.Background(), []byte{1, 2, 3}, 16000, 1, true); !errors.Is(err, entities.ErrAborted) {
		t.Errorf("odd pcm should be rejected, got %v", err)
	}
}

func TestNewExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer("   ", "", ""); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestRMS(t *testing.T) {
	if rms(make([]int16, 160)) != 0 {
		t.Error("silence should have zero energy")
	}
	if got := rms(tone(1000)); got != 1000 {
		t.Errorf("expected rms 1000, got %v", got)
	}
}
