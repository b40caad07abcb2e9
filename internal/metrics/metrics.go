// Package metrics はジョブの実行状況を Prometheus 形式で公開します。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pageforge"

// Metrics はジョブ、ページ、PDF の集計値です。nil のレシーバーでは何もしません。
type Metrics struct {
	registry *prometheus.Registry

	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   *prometheus.GaugeVec
	pages    *prometheus.CounterVec
	pdfs     *prometheus.CounterVec
}

// New は専用のレジストリに集計値を登録した Metrics を作成します。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of started jobs",
			},
			[]string{"kind"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Total number of finished jobs by outcome",
			},
			[]string{"kind", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job run time from start to a terminal state",
				Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"kind"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_active",
				Help:      "Number of jobs that have not finished yet",
			},
			[]string{"kind"},
		),
		pages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_total",
				Help:      "Pages handled by download jobs (saved, skipped, restricted)",
			},
			[]string{"result"},
		),
		pdfs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pdf_assembled_total",
				Help:      "PDF assembly attempts by outcome",
			},
			[]string{"status"},
		),
	}
	m.registry.MustRegister(m.started, m.finished, m.duration, m.active, m.pages, m.pdfs)
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// JobStarted はジョブの開始を記録します。
func (m *Metrics) JobStarted(kind string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(kind).Inc()
	m.active.WithLabelValues(kind).Inc()
}

// JobFinished はジョブの終了を記録します。
func (m *Metrics) JobFinished(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(kind, status).Inc()
	m.active.WithLabelValues(kind).Dec()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Pages はダウンロード結果のページ数を記録します。
func (m *Metrics) Pages(saved, skipped, restricted int) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues("saved").Add(float64(saved))
	m.pages.WithLabelValues("skipped").Add(float64(skipped))
	m.pages.WithLabelValues("restricted").Add(float64(restricted))
}

// PDF は PDF 組み立ての結果を記録します。
func (m *Metrics) PDF(status string) {
	if m == nil {
		return
	}
	m.pdfs.WithLabelValues(status).Inc()
}

// Handler は /metrics 用の http.Handler を返します。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
