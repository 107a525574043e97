// Package prometheus exposes the pipeline's metrics registry as a
// prometheus.Gatherer, so the counters, gauges, and timers threaded
// through every component constructor are scrapeable from one /metrics
// endpoint without a second, parallel metrics API. Every exported family
// is prefixed with the process namespace and slash-separated registry
// names become underscore-separated Prometheus names
// (verifier/calls_total -> liquidator_verifier_calls_total).
package prometheus

import (
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Namespace is prefixed to every exported metric family.
const Namespace = "liquidator"

// quantiles exported for timer and histogram summaries.
var quantiles = []float64{.5, .75, .95, .99, .999}

// MetricSource is the slice of the metrics registry the exporter reads.
type MetricSource interface {
	Each(func(string, any))
}

var _ MetricSource = (*metrics.StandardRegistry)(nil)

// Exporter adapts a MetricSource into a prometheus.Gatherer.
type Exporter struct {
	src MetricSource
}

var _ prometheus.Gatherer = (*Exporter)(nil)

// NewExporter builds an Exporter over src, typically the registry held
// by the process-wide telemetry sink.
func NewExporter(src MetricSource) *Exporter {
	return &Exporter{src: src}
}

// Gather converts every supported registry entry into a metric family,
// sorted by name so scrapes are stable. Entries with no samples yet and
// registry-internal types (samples, healthchecks, EWMAs) are omitted
// rather than exported as zeros.
func (e *Exporter) Gather() ([]*dto.MetricFamily, error) {
	type entry struct {
		name   string
		metric any
	}
	var all []entry
	e.src.Each(func(name string, m any) {
		all = append(all, entry{name: name, metric: m})
	})
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })

	fams := make([]*dto.MetricFamily, 0, len(all))
	for _, en := range all {
		if fam, ok := family(en.name, en.metric); ok {
			fams = append(fams, fam)
		}
	}
	return fams, nil
}

func family(name string, metric any) (*dto.MetricFamily, bool) {
	name = Namespace + "_" + strings.ReplaceAll(name, "/", "_")

	switch m := metric.(type) {
	case metrics.Counter:
		return counterFamily(name, float64(m.Snapshot().Count())), true
	case metrics.CounterFloat64:
		return counterFamily(name, m.Snapshot().Count()), true
	case metrics.Gauge:
		return gaugeFamily(name, float64(m.Snapshot().Value())), true
	case metrics.GaugeFloat64:
		return gaugeFamily(name, m.Snapshot().Value()), true
	case metrics.Meter:
		return gaugeFamily(name, float64(m.Snapshot().Count())), true
	case metrics.Histogram:
		s := m.Snapshot()
		if s.Count() == 0 {
			return nil, false
		}
		return summaryFamily(name, uint64(s.Count()), float64(s.Sum()), s.Percentiles(quantiles), 1), true
	case metrics.Timer:
		s := m.Snapshot()
		if s.Count() == 0 {
			return nil, false
		}
		// Timer samples are nanoseconds; export milliseconds.
		ms := float64(time.Millisecond)
		return summaryFamily(name, uint64(s.Count()), float64(s.Sum())/ms, s.Percentiles(quantiles), ms), true
	default:
		return nil, false
	}
}

func counterFamily(name string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   &name,
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: &value}}},
	}
}

func gaugeFamily(name string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   &name,
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: &value}}},
	}
}

func summaryFamily(name string, count uint64, sum float64, thresholds []float64, scale float64) *dto.MetricFamily {
	qs := make([]*dto.Quantile, len(quantiles))
	for i := range quantiles {
		q := quantiles[i]
		v := thresholds[i] / scale
		qs[i] = &dto.Quantile{Quantile: &q, Value: &v}
	}
	return &dto.MetricFamily{
		Name: &name,
		Type: dto.MetricType_SUMMARY.Enum(),
		Metric: []*dto.Metric{{
			Summary: &dto.Summary{
				SampleCount: &count,
				SampleSum:   &sum,
				Quantile:    qs,
			},
		}},
	}
}
