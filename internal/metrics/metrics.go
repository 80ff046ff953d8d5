// Package metrics records conversion statistics in Prometheus form. A Recorder
// owns its registry, so it can be written to a textfile-collector file at the
// end of a run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ggufq"

// Recorder collects per-run metrics. A nil *Recorder discards everything.
type Recorder struct {
	reg *prometheus.Registry

	tensors      *prometheus.CounterVec
	encodedBytes *prometheus.CounterVec
	encode       *prometheus.HistogramVec
	run          prometheus.Gauge
	failures     *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		tensors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tensors_total",
			Help:      "Tensors written, by codec and policy reason",
		}, []string{"codec", "reason"}),
		encodedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoded_bytes_total",
			Help:      "Tensor payload bytes written, by codec",
		}, []string{"codec"}),
		encode: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tensor_encode_seconds",
			Help:      "Time spent reading and encoding one tensor",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"codec"}),
		run: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last conversion",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed conversions, by error kind",
		}, []string{"kind"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// ObserveTensor records one finished tensor.
func (r *Recorder) ObserveTensor(codec, reason string, bytes int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.tensors.WithLabelValues(codec, reason).Inc()
	r.encodedBytes.WithLabelValues(codec).Add(float64(bytes))
	r.encode.WithLabelValues(codec).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveRun(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.run.Set(elapsed.Seconds())
}

func (r *Recorder) ObserveFailure(kind string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(kind).Inc()
}

// WriteFile writes the registry in text exposition format. The write is atomic.
func (r *Recorder) WriteFile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
