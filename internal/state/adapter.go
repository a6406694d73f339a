package state

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/AntoniZalewski/CityFlow-LLM/internal/observability"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 15 * time.Second
)

// StateFetcher issues a point-in-time state request against the simulator.
// A nil payload with a nil error means no run is currently active.
type StateFetcher interface {
	GetState(ctx context.Context) ([]byte, error)
}

// RunRef is the slice of run metadata the adapter needs to route a snapshot.
type RunRef struct {
	SaveReplay bool
	Status     string
}

// RunSink is the subset of the run registry the adapter persists through.
// The adapter never mutates metadata directly; all writes go through these
// methods.
type RunSink interface {
	Lookup(runID string) (RunRef, bool)
	WriteReplaySample(runID string, snap *Snapshot) error
	WriteMetricsSample(runID string, snap *Snapshot) error
	MarkStatus(runID, status string) bool
}

type streamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// AdapterConfig configures the upstream state adapter.
type AdapterConfig struct {
	// SimBaseURL is the simulator's HTTP base URL; the streaming address is
	// derived from it (http->ws, https->wss, path suffix /ws/state).
	SimBaseURL   string
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Logger       *logrus.Logger
	Metrics      *observability.Collector
}

// Adapter keeps a live local mirror of the simulator state. It maintains a
// persistent websocket to the simulator's state stream, reconnecting with
// exponential backoff, and falls back to periodic HTTP polling while the
// stream is down and at least one observer is watching. Snapshots accepted
// on either path flow through a single ingestion function.
type Adapter struct {
	cfg         AdapterConfig
	fetcher     StateFetcher
	sink        RunSink
	broadcaster *Broadcaster
	logger      *logrus.Logger
	metrics     *observability.Collector

	streamURL string

	dial func(ctx context.Context, rawURL string) (streamConn, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected atomic.Bool

	clientsMu sync.Mutex
	clients   int

	lastStateMu sync.Mutex
	lastStateAt time.Time
}

// NewAdapter wires an adapter against the simulator client, run registry and
// broadcaster. The registry may be nil, in which case snapshots are
// broadcast-only.
func NewAdapter(cfg AdapterConfig, fetcher StateFetcher, sink RunSink, broadcaster *Broadcaster) (*Adapter, error) {
	streamURL, err := deriveStreamURL(cfg.SimBaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{
		cfg:         cfg,
		fetcher:     fetcher,
		sink:        sink,
		broadcaster: broadcaster,
		logger:      logger,
		metrics:     cfg.Metrics,
		streamURL:   streamURL,
		dial: func(ctx context.Context, rawURL string) (streamConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}, nil
}

// Start launches the stream and poll loops. Call Stop to cancel both and
// wait for their orderly exit.
func (a *Adapter) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(2)
	go a.runStream(runCtx)
	go a.runPoll(runCtx)
}

// Stop cancels both background loops and blocks until they have released
// any open connection.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// ClientConnected records one more downstream observer. The count only
// drives the fallback-poll guard; it is not a subscription mechanism.
func (a *Adapter) ClientConnected() {
	a.clientsMu.Lock()
	a.clients++
	count := a.clients
	a.clientsMu.Unlock()
	a.metrics.SetSubscribers(count)
}

// ClientDisconnected records one observer going away.
func (a *Adapter) ClientDisconnected() {
	a.clientsMu.Lock()
	if a.clients > 0 {
		a.clients--
	}
	count := a.clients
	a.clientsMu.Unlock()
	a.metrics.SetSubscribers(count)
}

// StreamConnected reports whether the push channel is currently up.
func (a *Adapter) StreamConnected() bool {
	return a.connected.Load()
}

func (a *Adapter) runStream(ctx context.Context) {
	defer a.wg.Done()
	policy := newReconnectBackoff(a.cfg.BackoffBase, a.cfg.BackoffMax)
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := a.dial(ctx, a.streamURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.metrics.IncStreamFailure()
			wait := policy.NextBackOff()
			a.logger.WithError(err).WithFields(logrus.Fields{
				"url":     a.streamURL,
				"backoff": wait,
			}).Warn("state stream connect failed")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		policy.Reset()
		a.connected.Store(true)
		a.logger.WithField("url", a.streamURL).Info("connected to simulator state stream")
		a.readLoop(ctx, conn)
		a.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		a.metrics.IncStreamFailure()
		wait := policy.NextBackOff()
		a.logger.WithField("backoff", wait).Warn("state stream disconnected")
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// readLoop consumes the stream until the connection drops or ctx is
// cancelled. Cancellation closes the connection so the blocking read exits
// instead of leaking.
func (a *Adapter) readLoop(ctx context.Context, conn streamConn) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		a.ingest(payload, "stream")
	}
}

func (a *Adapter) runPoll(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !a.shouldPoll(now) {
				continue
			}
			payload, err := a.fetcher.GetState(ctx)
			if err != nil {
				a.logger.WithError(err).Debug("state poll failed")
				continue
			}
			if len(payload) == 0 {
				continue
			}
			a.ingest(payload, "poll")
		}
	}
}

// shouldPoll gates the HTTP fallback: poll only when someone is watching,
// the stream is down, and the stream has been silent for a full interval.
func (a *Adapter) shouldPoll(now time.Time) bool {
	a.clientsMu.Lock()
	clients := a.clients
	a.clientsMu.Unlock()
	if clients == 0 || a.connected.Load() {
		return false
	}
	a.lastStateMu.Lock()
	last := a.lastStateAt
	a.lastStateMu.Unlock()
	return now.Sub(last) >= a.cfg.PollInterval
}

// ingest is the canonical ingestion path shared by stream and poll.
// Malformed payloads are dropped and logged; persistence failures never stop
// ingestion.
func (a *Adapter) ingest(payload []byte, source string) {
	snap, err := DecodeSnapshot(payload)
	if err != nil {
		a.metrics.IncDropped("malformed")
		a.logger.WithError(err).WithField("source", source).Debug("dropping malformed state payload")
		return
	}

	if snap.RunID != "" && a.sink != nil {
		if ref, ok := a.sink.Lookup(snap.RunID); ok {
			if ref.SaveReplay {
				if err := a.sink.WriteReplaySample(snap.RunID, snap); err != nil {
					a.metrics.IncPersistenceFailure()
					a.logger.WithError(err).WithField("run_id", snap.RunID).Warn("failed to persist replay sample")
				}
			}
			if err := a.sink.WriteMetricsSample(snap.RunID, snap); err != nil {
				a.metrics.IncPersistenceFailure()
				a.logger.WithError(err).WithField("run_id", snap.RunID).Warn("failed to persist metrics sample")
			}
			if snap.Status != ref.Status {
				a.sink.MarkStatus(snap.RunID, snap.Status)
			}
		}
	}

	a.broadcaster.Publish(snap)
	a.lastStateMu.Lock()
	a.lastStateAt = time.Now()
	a.lastStateMu.Unlock()
	a.metrics.IncIngested(source)
}

// newReconnectBackoff builds the stream reconnect policy: the Kth
// consecutive wait is min(base*2^(K-1), cap); Reset after a successful dial
// returns the next wait to base.
func newReconnectBackoff(base, ceiling time.Duration) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = ceiling
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// deriveStreamURL upgrades the simulator base URL to its streaming variant.
func deriveStreamURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws/state"
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
