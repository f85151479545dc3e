package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusReporter is a StatsClient that mirrors each snapshot into
// Prometheus gauges.
type PrometheusReporter struct {
	statistics *prometheus.GaugeVec
	buckets    *prometheus.GaugeVec
	updates    prometheus.Counter
}

// NewPrometheusReporter creates the reporter's collectors and registers them
// with registerer.
func NewPrometheusReporter(registerer prometheus.Registerer) (*PrometheusReporter, error) {
	r := &PrometheusReporter{
		statistics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "caststream",
			Subsystem: "sender",
			Name:      "statistic",
			Help:      "Latest value of a sender statistic.",
		}, []string{"media", "statistic"}),
		buckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "caststream",
			Subsystem: "sender",
			Name:      "histogram_bucket_count",
			Help:      "Sample count of one latency histogram bucket.",
		}, []string{"media", "histogram", "bucket"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "caststream",
			Subsystem: "sender",
			Name:      "statistics_updates_total",
			Help:      "Number of statistics snapshots received.",
		}),
	}
	for _, c := range []prometheus.Collector{r.statistics, r.buckets, r.updates} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// OnStatisticsUpdated implements StatsClient.
func (r *PrometheusReporter) OnStatisticsUpdated(stats SenderStats) {
	r.updates.Inc()
	r.export("audio", stats.AudioStatistics, stats.AudioHistograms)
	r.export("video", stats.VideoStatistics, stats.VideoHistograms)
}

func (r *PrometheusReporter) export(mediaName string, list StatisticsList, histograms HistogramsList) {
	for i, v := range list {
		r.statistics.WithLabelValues(mediaName, Statistic(i).String()).Set(v)
	}
	for i, h := range histograms {
		if h == nil {
			continue
		}
		name := HistogramType(i).String()
		for b, count := range h.Buckets {
			r.buckets.WithLabelValues(mediaName, name, h.BucketName(b)).Set(float64(count))
		}
	}
}
