package state

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type fakeFetcher struct {
	mu      sync.Mutex
	payload []byte
	err     error
	calls   int
}

func (f *fakeFetcher) GetState(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.payload, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu       sync.Mutex
	runs     map[string]RunRef
	replays  map[string]int
	metrics  map[string]int
	statuses map[string]string

	replayErr  error
	metricsErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		runs:     make(map[string]RunRef),
		replays:  make(map[string]int),
		metrics:  make(map[string]int),
		statuses: make(map[string]string),
	}
}

func (f *fakeSink) Lookup(runID string) (RunRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.runs[runID]
	return ref, ok
}

func (f *fakeSink) WriteReplaySample(runID string, snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replayErr != nil {
		return f.replayErr
	}
	f.replays[runID]++
	return nil
}

func (f *fakeSink) WriteMetricsSample(runID string, snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metricsErr != nil {
		return f.metricsErr
	}
	f.metrics[runID]++
	return nil
}

func (f *fakeSink) MarkStatus(runID, status string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[runID]; !ok {
		return false
	}
	f.statuses[runID] = status
	return true
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestAdapter(t *testing.T, baseURL string, fetcher StateFetcher, sink RunSink, b *Broadcaster, pollInterval time.Duration) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(AdapterConfig{
		SimBaseURL:   baseURL,
		PollInterval: pollInterval,
		Logger:       quietLogger(),
	}, fetcher, sink, b)
	if err != nil {
		t.Fatalf("failed to construct adapter: %v", err)
	}
	return adapter
}

func TestReconnectBackoffSchedule(t *testing.T) {
	policy := newReconnectBackoff(time.Second, 15*time.Second)

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		15 * time.Second,
		15 * time.Second,
	}
	for i, want := range expected {
		if got := policy.NextBackOff(); got != want {
			t.Fatalf("attempt %d: expected wait %v, got %v", i+1, want, got)
		}
	}

	policy.Reset()
	if got := policy.NextBackOff(); got != time.Second {
		t.Fatalf("expected wait to reset to base after success, got %v", got)
	}
}

func TestShouldPollGuard(t *testing.T) {
	adapter := newTestAdapter(t, "http://sim:7001", &fakeFetcher{}, nil, NewBroadcaster(), time.Second)
	now := time.Now()

	if adapter.shouldPoll(now) {
		t.Fatalf("expected no poll with zero observers")
	}

	adapter.ClientConnected()
	if !adapter.shouldPoll(now) {
		t.Fatalf("expected poll with an observer, stream down, and no recent state")
	}

	adapter.connected.Store(true)
	if adapter.shouldPoll(now) {
		t.Fatalf("expected no poll while the stream is connected")
	}
	adapter.connected.Store(false)

	adapter.lastStateMu.Lock()
	adapter.lastStateAt = now.Add(-500 * time.Millisecond)
	adapter.lastStateMu.Unlock()
	if adapter.shouldPoll(now) {
		t.Fatalf("expected no poll before the minimum interval has elapsed")
	}

	adapter.lastStateMu.Lock()
	adapter.lastStateAt = now.Add(-2 * time.Second)
	adapter.lastStateMu.Unlock()
	if !adapter.shouldPoll(now) {
		t.Fatalf("expected poll once the minimum interval has elapsed")
	}

	adapter.ClientDisconnected()
	if adapter.shouldPoll(now) {
		t.Fatalf("expected no poll after the last observer disconnected")
	}
}

func TestIngestPersistsAndBroadcasts(t *testing.T) {
	sink := newFakeSink()
	sink.runs["r1"] = RunRef{SaveReplay: true, Status: StatusRunning}
	b := NewBroadcaster()
	adapter := newTestAdapter(t, "http://sim:7001", &fakeFetcher{}, sink, b, time.Second)

	adapter.ingest([]byte(`{"t": 9, "run_id": "r1", "status": "completed"}`), "stream")

	if sink.replays["r1"] != 1 || sink.metrics["r1"] != 1 {
		t.Fatalf("expected one replay and one metrics sample, got %d/%d", sink.replays["r1"], sink.metrics["r1"])
	}
	if sink.statuses["r1"] != StatusCompleted {
		t.Fatalf("expected status transition to completed, got %q", sink.statuses["r1"])
	}
	latest := b.Latest()
	if latest == nil || latest.T != 9 {
		t.Fatalf("expected broadcast of ingested snapshot, got %+v", latest)
	}
}

func TestIngestSkipsReplayWhenDisabled(t *testing.T) {
	sink := newFakeSink()
	sink.runs["r1"] = RunRef{SaveReplay: false, Status: StatusRunning}
	adapter := newTestAdapter(t, "http://sim:7001", &fakeFetcher{}, sink, NewBroadcaster(), time.Second)

	adapter.ingest([]byte(`{"t": 1, "run_id": "r1", "status": "running"}`), "poll")

	if sink.replays["r1"] != 0 {
		t.Fatalf("expected no replay sample when save_replay is off")
	}
	if sink.metrics["r1"] != 1 {
		t.Fatalf("expected metrics sample regardless of save_replay")
	}
	if len(sink.statuses) != 0 {
		t.Fatalf("expected no status transition when status is unchanged")
	}
}

func TestIngestUnknownRunIsBroadcastOnly(t *testing.T) {
	sink := newFakeSink()
	b := NewBroadcaster()
	adapter := newTestAdapter(t, "http://sim:7001", &fakeFetcher{}, sink, b, time.Second)

	adapter.ingest([]byte(`{"t": 3, "run_id": "ghost", "status": "running"}`), "stream")

	if len(sink.replays) != 0 || len(sink.metrics) != 0 {
		t.Fatalf("expected no persistence for an unregistered run")
	}
	if latest := b.Latest(); latest == nil || latest.T != 3 {
		t.Fatalf("expected transient snapshot to still broadcast, got %+v", latest)
	}
}

func TestIngestMalformedPayloadDropped(t *testing.T) {
	sink := newFakeSink()
	sink.runs["r1"] = RunRef{SaveReplay: true, Status: StatusRunning}
	b := NewBroadcaster()
	adapter := newTestAdapter(t, "http://sim:7001", &fakeFetcher{}, sink, b, time.Second)

	adapter.ingest([]byte(`{"t": "not-a-tick"`), "stream")

	if b.Latest() != nil {
		t.Fatalf("expected nothing broadcast for a malformed payload")
	}
	if len(sink.metrics) != 0 {
		t.Fatalf("expected nothing persisted for a malformed payload")
	}
}

func TestIngestToleratesPersistenceFailure(t *testing.T) {
	sink := newFakeSink()
	sink.runs["r1"] = RunRef{SaveReplay: true, Status: StatusRunning}
	sink.replayErr = fmt.Errorf("disk full")
	sink.metricsErr = fmt.Errorf("disk full")
	b := NewBroadcaster()
	adapter := newTestAdapter(t, "http://sim:7001", &fakeFetcher{}, sink, b, time.Second)

	adapter.ingest([]byte(`{"t": 4, "run_id": "r1", "status": "running"}`), "stream")

	if latest := b.Latest(); latest == nil || latest.T != 4 {
		t.Fatalf("expected broadcast despite persistence failure, got %+v", latest)
	}
}

func TestStreamIngestionAndShutdown(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/state" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"t": 1, "status": "running"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"state": {"t": 2, "status": "running"}}`))
		// Hold the connection open until the adapter closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := NewBroadcaster()
	sub := b.Subscribe()
	adapter := newTestAdapter(t, srv.URL, &fakeFetcher{}, nil, b, time.Hour)
	adapter.Start(context.Background())

	deadline := time.After(5 * time.Second)
	var last int64
	for last < 2 {
		select {
		case snap := <-sub:
			last = snap.T
		case <-deadline:
			t.Fatalf("timed out waiting for streamed snapshots, last t=%d", last)
		}
	}

	stopped := make(chan struct{})
	go func() {
		adapter.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("adapter did not stop cleanly")
	}
	if adapter.StreamConnected() {
		t.Fatalf("expected stream to be marked disconnected after stop")
	}
}

func TestPollLoopRespectsGuard(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte(`{"t": 1, "status": "running"}`)}
	b := NewBroadcaster()
	adapter := newTestAdapter(t, "http://127.0.0.1:1", fetcher, nil, b, 20*time.Millisecond)

	// Stream dialing fails (nothing listens); without observers the poll
	// timer must keep skipping.
	adapter.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	if fetcher.callCount() != 0 {
		t.Fatalf("expected no polls with zero observers, got %d", fetcher.callCount())
	}

	adapter.ClientConnected()
	deadline := time.After(5 * time.Second)
	sub := b.Subscribe()
	select {
	case snap := <-sub:
		if snap.T != 1 {
			t.Fatalf("expected polled snapshot t=1, got t=%d", snap.T)
		}
	case <-deadline:
		t.Fatalf("timed out waiting for fallback poll to ingest")
	}
	adapter.Stop()
}

func TestDeriveStreamURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://cityflow-sim:7001", "ws://cityflow-sim:7001/ws/state"},
		{"https://sim.example.com", "wss://sim.example.com/ws/state"},
		{"http://sim:7001/api/", "ws://sim:7001/api/ws/state"},
	}
	for _, tc := range cases {
		got, err := deriveStreamURL(tc.base)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.base, tc.want, got)
		}
	}
}
