package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap/zaptest"

	"github.com/meetscribe/transcriber/domain/entities"
)

type fakeSink struct {
	mu        sync.Mutex
	failing   bool
	delivered []entities.Checkpoint
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Deliver(_ context.Context, cp entities.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store unreachable")
	}
	s.delivered = append(s.delivered, cp)
	return nil
}

func (s *fakeSink) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *fakeSink) kinds() []entities.CheckpointKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.CheckpointKind, len(s.delivered))
	for i, cp := range s.delivered {
		out[i] = cp.Kind
	}
	return out
}

func checkpoint(kind entities.CheckpointKind, transcript string, at time.Time) entities.Checkpoint {
	cp := entities.Checkpoint{
		Kind:       kind,
		DocumentID: "doc-1",
		MeetingID:  "abc-defg-hij",
		UserID:     "user-1",
		Transcript: transcript,
		Timestamp:  at,
	}
	if kind == entities.CheckpointFinalize {
		cp.WordCount = entities.WordCount(transcript)
	}
	return cp
}

func openTestCache(t *testing.T) *SQLiteCache {
	t.Helper()
	cache, err := OpenCache(context.Background(), filepath.Join(t.TempDir(), "cache", "checkpoints.db"))
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSQLiteCache_UpsertAndOrder(t *testing.T) {
	ctx := context.Background()
	cache := openTestCache(t)
	now := time.Now().UTC()

	for _, cp := range []entities.Checkpoint{
		checkpoint(entities.CheckpointFinalize, "a b c", now.Add(3*time.Second)),
		checkpoint(entities.CheckpointUpdate, "a", now.Add(time.Second)),
		checkpoint(entities.CheckpointInit, "", now),
		checkpoint(entities.CheckpointUpdate, "a b", now.Add(2*time.Second)),
	} {
		if err := cache.Put(ctx, cp); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	key := checkpoint(entities.CheckpointInit, "", now).CacheKey()
	has, err := cache.Has(ctx, key)
	if err != nil || !has {
		t.Fatalf("Expected cached key, got %v %v", has, err)
	}

	pending, err := cache.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	group := pending[key]
	if len(group) != 3 {
		t.Fatalf("Expected one row per kind, got %d", len(group))
	}
	want := []entities.CheckpointKind{entities.CheckpointInit, entities.CheckpointUpdate, entities.CheckpointFinalize}
	for i, cp := range group {
		if cp.Kind != want[i] {
			t.Errorf("Row %d: expected %s, got %s", i, want[i], cp.Kind)
		}
	}
	if group[1].Transcript != "a b" {
		t.Errorf("Expected latest update to win, got %q", group[1].Transcript)
	}
	if group[2].WordCount != 3 {
		t.Errorf("Expected word count 3, got %d", group[2].WordCount)
	}

	if err := cache.Delete(ctx, key, entities.CheckpointInit); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	pending, _ = cache.Pending(ctx)
	if len(pending[key]) != 2 {
		t.Errorf("Expected 2 rows after delete, got %d", len(pending[key]))
	}
}

func TestSQLiteCache_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	cache, err := OpenCache(ctx, path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	if err := cache.Put(ctx, checkpoint(entities.CheckpointInit, "", time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cache.Close()

	reopened, err := OpenCache(ctx, path)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer reopened.Close()
	pending, err := reopened.Pending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Expected one cached document after reopen, got %d (%v)", len(pending), err)
	}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &fakeSink{}
	cache := openTestCache(t)
	d := NewDispatcher(sink, cache, 16, time.Second, zaptest.NewLogger(t))

	now := time.Now()
	d.Emit(checkpoint(entities.CheckpointInit, "", now))
	d.Emit(checkpoint(entities.CheckpointUpdate, "hello", now.Add(time.Second)))
	d.Emit(checkpoint(entities.CheckpointFinalize, "hello world", now.Add(2*time.Second)))
	drain(t, d)

	got := sink.kinds()
	if len(got) != 3 || got[0] != entities.CheckpointInit || got[2] != entities.CheckpointFinalize {
		t.Fatalf("Unexpected delivery order: %v", got)
	}
	pending, _ := cache.Pending(context.Background())
	if len(pending) != 0 {
		t.Errorf("Expected empty cache, got %v", pending)
	}
}

func TestDispatcher_FailureCachesAndRecoveryReplays(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{failing: true}
	cache := openTestCache(t)
	d := NewDispatcher(sink, cache, 16, time.Second, zaptest.NewLogger(t))

	now := time.Now()
	d.Emit(checkpoint(entities.CheckpointInit, "", now))
	d.Emit(checkpoint(entities.CheckpointUpdate, "hello", now.Add(time.Second)))

	// wait for the worker to route both to the cache
	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, _ := cache.Pending(ctx)
		if len(pending) == 1 && len(pending[checkpoint(entities.CheckpointInit, "", now).CacheKey()]) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Checkpoints were not cached: %v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the store comes back, but later checkpoints of the same document still
	// go to the cache until recovery has replayed the earlier ones
	sink.setFailing(false)
	d.Emit(checkpoint(entities.CheckpointUpdate, "hello again", now.Add(2*time.Second)))
	d.Emit(checkpoint(entities.CheckpointFinalize, "hello again world", now.Add(3*time.Second)))
	drain(t, d)

	if got := sink.kinds(); len(got) != 0 {
		t.Fatalf("Expected no direct deliveries while document is cached, got %v", got)
	}

	n, err := d.ReplayCached(ctx)
	if err != nil {
		t.Fatalf("ReplayCached: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected Init and Finalize replayed, got %d", n)
	}
	got := sink.kinds()
	if len(got) != 2 || got[0] != entities.CheckpointInit || got[1] != entities.CheckpointFinalize {
		t.Fatalf("Expected Init then Finalize, got %v", got)
	}
	if final := sink.delivered[1]; final.Transcript != "hello again world" || final.WordCount != 3 {
		t.Errorf("Unexpected finalize payload: %+v", final)
	}
	pending, _ := cache.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("Expected cache emptied, got %v", pending)
	}
}

func TestDispatcher_ReplayStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	cache := openTestCache(t)
	now := time.Now()
	cache.Put(ctx, checkpoint(entities.CheckpointInit, "", now))
	cache.Put(ctx, checkpoint(entities.CheckpointUpdate, "partial", now.Add(time.Second)))

	sink := &fakeSink{failing: true}
	d := NewDispatcher(sink, cache, 4, time.Second, zaptest.NewLogger(t))
	defer drain(t, d)

	n, err := d.ReplayCached(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Expected nothing replayed, got %d %v", n, err)
	}
	pending, _ := cache.Pending(ctx)
	if len(pending[checkpoint(entities.CheckpointInit, "", now).CacheKey()]) != 2 {
		t.Errorf("Expected both rows kept, got %v", pending)
	}

	sink.setFailing(false)
	n, _ = d.ReplayCached(ctx)
	if n != 2 {
		t.Errorf("Expected Init and Update replayed, got %d", n)
	}
}

func TestDispatcher_EmitAfterCloseCaches(t *testing.T) {
	sink := &fakeSink{}
	cache := openTestCache(t)
	d := NewDispatcher(sink, cache, 4, time.Second, zaptest.NewLogger(t))
	drain(t, d)

	d.Emit(checkpoint(entities.CheckpointInit, "", time.Now()))
	pending, _ := cache.Pending(context.Background())
	if len(pending) != 1 {
		t.Errorf("Expected checkpoint cached after close, got %v", pending)
	}
}

func TestDispatcher_EmitRacingCloseLosesNothing(t *testing.T) {
	sink := &fakeSink{}
	cache := openTestCache(t)
	d := NewDispatcher(sink, cache, 2, time.Second, zaptest.NewLogger(t))

	const emitters = 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			cp := checkpoint(entities.CheckpointInit, "", time.Now())
			cp.DocumentID = fmt.Sprintf("doc-%d", i)
			d.Emit(cp)
		}(i)
	}
	close(start)
	drain(t, d)
	wg.Wait()

	pending, err := cache.Pending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(sink.kinds()) + len(pending); got != emitters {
		t.Errorf("Expected %d checkpoints delivered or cached, got %d", emitters, got)
	}
}

func TestDispatcher_AllocateDocumentID(t *testing.T) {
	d := NewDispatcher(&fakeSink{}, openTestCache(t), 1, time.Second, zaptest.NewLogger(t))
	defer drain(t, d)

	a, b := d.AllocateDocumentID(), d.AllocateDocumentID()
	if a == "" || a == b {
		t.Errorf("Expected unique ids, got %q %q", a, b)
	}
}

type countingReplayer struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReplayer) ReplayCached(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 0, nil
}

func (r *countingReplayer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRecoveryService_SweepsOnStartAndInterval(t *testing.T) {
	mock := clock.NewMock()
	replayer := &countingReplayer{}
	svc := NewRecoveryService(replayer, time.Minute, mock, zaptest.NewLogger(t))
	svc.Start()

	waitCount := func(want int) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for replayer.count() < want {
			if time.Now().After(deadline) {
				t.Fatalf("Expected %d sweeps, got %d", want, replayer.count())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitCount(1)
	// let the loop register its ticker before moving the clock
	time.Sleep(20 * time.Millisecond)
	mock.Add(time.Minute)
	waitCount(2)

	svc.Stop()
	svc.Stop()
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSSink_PublishesPerKindSubject(t *testing.T) {
	ns := runNATSServer(t)

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	if _, err := sub.ChanSubscribe("transcripts.>", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Flush()

	sink, err := ConnectNATS([]string{ns.ClientURL()}, "transcripts", time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("ConnectNATS: %v", err)
	}
	defer sink.Close()

	cp := checkpoint(entities.CheckpointFinalize, "hello world", time.Now())
	if err := sink.Deliver(context.Background(), cp); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "transcripts.finalize" {
			t.Errorf("Unexpected subject %s", msg.Subject)
		}
		var body struct {
			Type    string                 `json:"type"`
			Payload map[string]interface{} `json:"payload"`
		}
		if err := json.Unmarshal(msg.Data, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Type != string(entities.CheckpointFinalize) || body.Payload["docId"] != "doc-1" {
			t.Errorf("Unexpected message %+v", body)
		}
		if body.Payload["wordCount"] != float64(2) {
			t.Errorf("Expected wordCount 2, got %v", body.Payload["wordCount"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No message received")
	}
}

func TestNATSSink_Subjects(t *testing.T) {
	s := &NATSSink{prefix: "meet"}
	if got := s.Subject(entities.CheckpointInit); got != "meet.init" {
		t.Errorf("got %s", got)
	}
	if got := (&NATSSink{}).Subject(entities.CheckpointUpdate); got != "update" {
		t.Errorf("got %s", got)
	}
}
