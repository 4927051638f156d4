// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プランナー・エグゼキュータ・Dedup/Cache層から利用する。
type MetricsCollector interface {
	RecordTaskPlanned()
	RecordClaim(won bool)
	RecordDelivery(outcome string)
	RecordUpstreamCall(outcome string)
	RecordCacheHit()
	RecordCacheMiss()
	RecordStaleFallback()
	RecordDeliveryLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	tasksPlanned    prometheus.Counter
	claims          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	upstreamCalls   *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	staleFallbacks  prometheus.Counter
	deliveryLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_tasks_planned_total",
			Help: "具現化された配信タスクの合計数",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestman_claims_total",
			Help: "リース取得試行の結果別合計数",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestman_deliveries_total",
			Help: "配信試行の結果別合計数",
		}, []string{"outcome"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestman_upstream_calls_total",
			Help: "ニュースプロバイダ呼び出しの結果別合計数",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_cache_hits_total",
			Help: "トピックキャッシュヒットの合計数",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_cache_misses_total",
			Help: "トピックキャッシュミスの合計数",
		}),
		staleFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_cache_stale_fallbacks_total",
			Help: "期限切れキャッシュへのフォールバックの合計数",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "digestman_delivery_latency_seconds",
			Help:    "ダイジェスト組み立てから配信完了までのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.tasksPlanned,
		c.claims,
		c.deliveries,
		c.upstreamCalls,
		c.cacheHits,
		c.cacheMisses,
		c.staleFallbacks,
		c.deliveryLatency,
	)

	return c
}

// RecordTaskPlanned はタスク具現化を記録する。
func (c *Collector) RecordTaskPlanned() {
	c.tasksPlanned.Inc()
}

// RecordClaim はリース取得試行の結果を記録する。
func (c *Collector) RecordClaim(won bool) {
	if won {
		c.claims.WithLabelValues("won").Inc()
	} else {
		c.claims.WithLabelValues("lost").Inc()
	}
}

// RecordDelivery は配信試行の結果を記録する。
// outcome: delivered, retrying, failed, lease_lost
func (c *Collector) RecordDelivery(outcome string) {
	c.deliveries.WithLabelValues(outcome).Inc()
}

// RecordUpstreamCall はプロバイダ呼び出しの結果を記録する。
// outcome: ok, throttled, unavailable, bad_data
func (c *Collector) RecordUpstreamCall(outcome string) {
	c.upstreamCalls.WithLabelValues(outcome).Inc()
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Inc()
}

// RecordStaleFallback は期限切れキャッシュへのフォールバックを記録する。
func (c *Collector) RecordStaleFallback() {
	c.staleFallbacks.Inc()
}

// RecordDeliveryLatency は配信レイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストおよび未配線時に使用する。
type Nop struct{}

// RecordTaskPlanned は何もしない。
func (Nop) RecordTaskPlanned() {}

// RecordClaim は何もしない。
func (Nop) RecordClaim(bool) {}

// RecordDelivery は何もしない。
func (Nop) RecordDelivery(string) {}

// RecordUpstreamCall は何もしない。
func (Nop) RecordUpstreamCall(string) {}

// RecordCacheHit は何もしない。
func (Nop) RecordCacheHit() {}

// RecordCacheMiss は何もしない。
func (Nop) RecordCacheMiss() {}

// RecordStaleFallback は何もしない。
func (Nop) RecordStaleFallback() {}

// RecordDeliveryLatency は何もしない。
func (Nop) RecordDeliveryLatency(time.Duration) {}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = Nop{}
