// Package telemetry bundles the logging and metrics handles threaded
// explicitly into every pipeline component, instead of reaching for
// package-level globals. One Sink is built at boot and passed down
// through the orchestrator's constructor.
package telemetry

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// Sink is the handle passed to every component constructor.
type Sink struct {
	Log      log.Logger
	Registry metrics.Registry
}

// New builds a Sink rooted at the given logger and registry. Pass
// metrics.NewRegistry() for an isolated registry in tests, or
// metrics.DefaultRegistry in production so the process-wide Prometheus
// exporter sees everything.
func New(logger log.Logger, registry metrics.Registry) *Sink {
	if logger == nil {
		logger = log.Root()
	}
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	// The metrics layer is globally gated and defaults to off, under
	// which GetOrRegister* hand out no-op Nil metrics. A sink exists to
	// record, so flip the gate on.
	metrics.Enabled = true
	return &Sink{Log: logger, Registry: registry}
}

// With returns a Sink whose logger carries the given key-value context,
// leaving the registry untouched. Used to scope a component's log lines,
// e.g. telemetry.With("component", "verifier").
func (s *Sink) With(ctx ...interface{}) *Sink {
	return &Sink{Log: s.Log.With(ctx...), Registry: s.Registry}
}

// Counter returns (creating if absent) a named counter on the sink's
// registry.
func (s *Sink) Counter(name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, s.Registry)
}

// Gauge returns (creating if absent) a named gauge on the sink's registry.
func (s *Sink) Gauge(name string) metrics.Gauge {
	return metrics.GetOrRegisterGauge(name, s.Registry)
}

// Timer returns (creating if absent) a named timer on the sink's registry.
func (s *Sink) Timer(name string) metrics.Timer {
	return metrics.GetOrRegisterTimer(name, s.Registry)
}
