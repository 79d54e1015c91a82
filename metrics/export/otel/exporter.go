package otel

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MrEthical07/phazeid"
	"github.com/MrEthical07/phazeid/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

const (
	eventKey    = attribute.Key("event")
	leKey       = attribute.Key("le")
	categoryKey = attribute.Key("category")
)

type metricsSource interface {
	MetricsSnapshot() phazeid.MetricsSnapshot
	AuditDroppedByCategory() map[string]uint64
}

// areaCounter observes every engine counter of one area on a single
// instrument, one attribute set per counter.
type areaCounter struct {
	instrument metric.Int64ObservableCounter
	ids        []phazeid.MetricID
	sets       []metric.MeasurementOption
}

type latencyHistogram struct {
	id      phazeid.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableCounter
	les     []metric.MeasurementOption
}

// OTelExporter observes engine metrics from a single meter callback.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	areas        []areaCounter
	histograms   []latencyHistogram
	auditDropped metric.Int64ObservableCounter
}

// NewOTelExporter registers one counter per area on meter, plus the
// handshake latency buckets and audit drops.
func NewOTelExporter(meter metric.Meter, engine *phazeid.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

// NewOTelExporterFromSource is NewOTelExporter for any snapshot source.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{source: source}
	observables := make([]metric.Observable, 0, len(internaldefs.Areas)+2*len(internaldefs.HistogramDefs)+1)

	for _, area := range internaldefs.Areas {
		name := internaldefs.AreaInstrument(area)
		ins, err := meter.Int64ObservableCounter(name,
			metric.WithDescription("phazeid "+string(area)+" events by type."),
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		ac := areaCounter{instrument: ins}
		for _, def := range internaldefs.CounterDefs {
			if def.Area != area {
				continue
			}
			ac.ids = append(ac.ids, def.ID)
			ac.sets = append(ac.sets, metric.WithAttributeSet(attribute.NewSet(eventKey.String(def.Event))))
		}
		exporter.areas = append(exporter.areas, ac)
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		buckets, err := meter.Int64ObservableGauge(def.Instrument+".bucket",
			metric.WithDescription("Cumulative sample count per upper bound in seconds."),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s buckets: %w", def.Instrument, err)
		}
		count, err := meter.Int64ObservableCounter(def.Instrument+".count",
			metric.WithDescription(def.Help),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s count: %w", def.Instrument, err)
		}
		h := latencyHistogram{id: def.ID, buckets: buckets, count: count}
		for _, bound := range internaldefs.HistogramBounds {
			le := strconv.FormatFloat(bound, 'g', -1, 64)
			h.les = append(h.les, metric.WithAttributeSet(attribute.NewSet(leKey.String(le))))
		}
		h.les = append(h.les, metric.WithAttributeSet(attribute.NewSet(leKey.String("+Inf"))))
		exporter.histograms = append(exporter.histograms, h)
		observables = append(observables, buckets, count)
	}

	auditDropped, err := meter.Int64ObservableCounter(internaldefs.AuditDroppedInstrument,
		metric.WithDescription("Audit events dropped under dispatcher backpressure, by category."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, ac := range e.areas {
		for i, id := range ac.ids {
			observer.ObserveInt64(ac.instrument, int64(snapshot.Counters[id]), ac.sets[i])
		}
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i, le := range h.les {
			observer.ObserveInt64(h.buckets, int64(cumulative[i]), le)
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	for category, n := range e.source.AuditDroppedByCategory() {
		observer.ObserveInt64(e.auditDropped, int64(n), metric.WithAttributes(categoryKey.String(category)))
	}
	return nil
}

// Close unregisters the callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
