package metrics

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus maps dotted metric names onto prometheus series. Vectors are
// created on first use and keep the label keys they were created with.
// Later calls with a different tag set are projected onto those keys.
type Prometheus struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
	logger     *slog.Logger

	mu         sync.Mutex
	counters   map[string]*counterSeries
	histograms map[string]*histogramSeries
	mismatched map[string]bool
}

type counterSeries struct {
	vec  *prometheus.CounterVec
	keys []string
}

type histogramSeries struct {
	vec  *prometheus.HistogramVec
	keys []string
}

// PrometheusConfig holds the adapter settings
type PrometheusConfig struct {
	Namespace  string
	Registerer prometheus.Registerer
	Buckets    []float64
	Logger     *slog.Logger
}

// NewPrometheus creates a Recorder backed by client_golang
func NewPrometheus(cfg *PrometheusConfig) *Prometheus {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.ExponentialBuckets(0.005, 2, 14)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prometheus{
		namespace:  cfg.Namespace,
		registerer: reg,
		buckets:    buckets,
		logger:     logger,
		counters:   make(map[string]*counterSeries),
		histograms: make(map[string]*histogramSeries),
		mismatched: make(map[string]bool),
	}
}

func (p *Prometheus) Increment(name string, tags Tags) {
	series := p.counterSeries(name, labelKeys(tags))
	if series == nil {
		return
	}
	series.vec.With(p.project(name, series.keys, tags)).Inc()
}

func (p *Prometheus) Observe(name string, value float64, tags Tags) {
	series := p.histogramSeries(name, labelKeys(tags))
	if series == nil {
		return
	}
	series.vec.With(p.project(name, series.keys, tags)).Observe(value)
}

func (p *Prometheus) counterSeries(name string, keys []string) *counterSeries {
	p.mu.Lock()
	defer p.mu.Unlock()

	if series, ok := p.counters[name]; ok {
		return series
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      SanitizeName(name) + "_total",
		Help:      "Count of " + name,
	}, keys)

	if err := p.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !asAlreadyRegistered(err, &already) {
			p.logger.Warn("Failed to register counter",
				slog.String("metric", name),
				slog.String("error", err.Error()),
			)
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil
		}
		vec = existing
	}

	series := &counterSeries{vec: vec, keys: keys}
	p.counters[name] = series
	return series
}

func (p *Prometheus) histogramSeries(name string, keys []string) *histogramSeries {
	p.mu.Lock()
	defer p.mu.Unlock()

	if series, ok := p.histograms[name]; ok {
		return series
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      SanitizeName(name),
		Help:      "Distribution of " + name,
		Buckets:   p.buckets,
	}, keys)

	if err := p.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !asAlreadyRegistered(err, &already) {
			p.logger.Warn("Failed to register histogram",
				slog.String("metric", name),
				slog.String("error", err.Error()),
			)
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil
		}
		vec = existing
	}

	series := &histogramSeries{vec: vec, keys: keys}
	p.histograms[name] = series
	return series
}

// project fits tags onto the label keys a series was registered with.
// Missing keys get an empty value and unknown keys are dropped.
func (p *Prometheus) project(name string, keys []string, tags Tags) prometheus.Labels {
	given := sanitizeLabels(tags)
	labels := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		labels[k] = given[k]
	}

	if len(given) != len(keys) || !sameKeys(keys, given) {
		p.mu.Lock()
		first := !p.mismatched[name]
		p.mismatched[name] = true
		p.mu.Unlock()
		if first {
			p.logger.Warn("Metric label keys differ from first use",
				slog.String("metric", name),
				slog.String("registered", strings.Join(keys, ",")),
				slog.String("given", strings.Join(labelKeys(tags), ",")),
			)
		}
	}
	return labels
}

func sameKeys(keys []string, labels map[string]string) bool {
	for _, k := range keys {
		if _, ok := labels[k]; !ok {
			return false
		}
	}
	return true
}

func asAlreadyRegistered(err error, target *prometheus.AlreadyRegisteredError) bool {
	return errors.As(err, target)
}

// SanitizeName turns "battle.transition.open_to_voting" into a valid
// prometheus metric name
func SanitizeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func labelKeys(tags Tags) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, SanitizeName(k))
	}
	sort.Strings(keys)
	return keys
}

func sanitizeLabels(tags Tags) map[string]string {
	labels := make(map[string]string, len(tags))
	for k, v := range tags {
		labels[SanitizeName(k)] = v
	}
	return labels
}
