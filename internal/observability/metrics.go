package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics for the gateway: telemetry
// ingestion, stream health, persistence failures, and the live subscriber
// count. All recording methods tolerate a nil receiver so callers can wire
// metrics optionally.
type Collector struct {
	gatherer prometheus.Gatherer

	SnapshotsIngested   *prometheus.CounterVec
	SnapshotsDropped    *prometheus.CounterVec
	StreamFailures      prometheus.Counter
	PersistenceFailures prometheus.Counter
	ControlCommands     *prometheus.CounterVec
	Subscribers         prometheus.Gauge
}

// NewCollector registers the gateway metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ingested, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_snapshots_ingested_total",
		Help: "Total accepted simulator snapshots, labeled by ingestion source.",
	}, []string{"source"}), "gateway_snapshots_ingested_total")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_snapshots_dropped_total",
		Help: "Total simulator payloads dropped before ingestion, labeled by reason.",
	}, []string{"reason"}), "gateway_snapshots_dropped_total")
	if err != nil {
		return nil, err
	}

	streamFailures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_stream_failures_total",
		Help: "Total state stream connect failures and disconnects.",
	}), "gateway_stream_failures_total")
	if err != nil {
		return nil, err
	}

	persistenceFailures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_persistence_failures_total",
		Help: "Total failed replay or metrics log writes.",
	}), "gateway_persistence_failures_total")
	if err != nil {
		return nil, err
	}

	controls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_control_commands_total",
		Help: "Total control commands forwarded to the simulator, labeled by outcome.",
	}, []string{"outcome"}), "gateway_control_commands_total")
	if err != nil {
		return nil, err
	}

	subscribers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_state_subscribers",
		Help: "Current number of connected state stream subscribers.",
	}), "gateway_state_subscribers")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:            gatherer,
		SnapshotsIngested:   ingested,
		SnapshotsDropped:    dropped,
		StreamFailures:      streamFailures,
		PersistenceFailures: persistenceFailures,
		ControlCommands:     controls,
		Subscribers:         subscribers,
	}, nil
}

// Handler exposes a ready-to-use metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) IncIngested(source string) {
	if c == nil || c.SnapshotsIngested == nil {
		return
	}
	c.SnapshotsIngested.WithLabelValues(source).Inc()
}

func (c *Collector) IncDropped(reason string) {
	if c == nil || c.SnapshotsDropped == nil {
		return
	}
	c.SnapshotsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) IncStreamFailure() {
	if c == nil || c.StreamFailures == nil {
		return
	}
	c.StreamFailures.Inc()
}

func (c *Collector) IncPersistenceFailure() {
	if c == nil || c.PersistenceFailures == nil {
		return
	}
	c.PersistenceFailures.Inc()
}

func (c *Collector) IncControl(outcome string) {
	if c == nil || c.ControlCommands == nil {
		return
	}
	c.ControlCommands.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetSubscribers(count int) {
	if c == nil || c.Subscribers == nil {
		return
	}
	c.Subscribers.Set(float64(count))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
