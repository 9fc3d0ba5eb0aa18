// ============================================================================
// oxmon-sync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露同步層的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 請求守衛 (Counter，依 guard 標籤區分):
//      - oxmon_guard_requests_total: 發出的請求數
//      - oxmon_guard_committed_total: 提交到可見狀態的結果數（outcome=success|error）
//      - oxmon_guard_stale_total: 因被新請求取代而丟棄的結果數
//
//   2. 設定快取:
//      - oxmon_cache_refresh_total: 刷新次數（result=success|error）
//      - oxmon_cache_refresh_seconds: 刷新延遲分佈
//      - oxmon_cache_corrupt_reads_total: 讀到損壞/形狀錯誤記錄的次數
//      - oxmon_cache_remote_updates_total: 收到其他分頁寫入通知的次數
//      - oxmon_cache_updated_at_ms: 目前快照的 updatedAt
//
//   3. 查詢參數同步:
//      - oxmon_query_navigations_total: 呼叫 replace() 的次數（page 標籤）
//      - oxmon_query_inbound_updates_total: URL 變更導致狀態更新的次數
//
// Prometheus 查詢示例:
//
//   # 被取代請求比例
//   rate(oxmon_guard_stale_total[5m]) / rate(oxmon_guard_requests_total[5m])
//
//   # 快照年齡（秒）
//   (time() * 1000 - oxmon_cache_updated_at_ms) / 1000
//
// 所有方法在 nil *Collector 上呼叫皆為 no-op，方便元件選擇性接入。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 請求守衛
	guardRequests  *prometheus.CounterVec
	guardCommitted *prometheus.CounterVec
	guardStale     *prometheus.CounterVec

	// 設定快取
	cacheRefresh        *prometheus.CounterVec
	cacheRefreshLatency prometheus.Histogram
	cacheCorruptReads   prometheus.Counter
	cacheRemoteUpdates  prometheus.Counter
	cacheUpdatedAt      prometheus.Gauge

	// 查詢參數同步
	queryNavigations    *prometheus.CounterVec
	queryInboundUpdates *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用預設 registerer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		guardRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxmon_guard_requests_total",
			Help: "Total number of requests issued through a request guard",
		}, []string{"guard"}),
		guardCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxmon_guard_committed_total",
			Help: "Total number of request outcomes committed to visible state",
		}, []string{"guard", "outcome"}),
		guardStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxmon_guard_stale_total",
			Help: "Total number of request outcomes discarded because a newer request was issued",
		}, []string{"guard"}),
		cacheRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxmon_cache_refresh_total",
			Help: "Total number of config cache refreshes by result",
		}, []string{"result"}),
		cacheRefreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oxmon_cache_refresh_seconds",
			Help:    "Config cache refresh latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		cacheCorruptReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxmon_cache_corrupt_reads_total",
			Help: "Total number of cache reads that found a malformed record",
		}),
		cacheRemoteUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxmon_cache_remote_updates_total",
			Help: "Total number of cache change notifications received from other tabs",
		}),
		cacheUpdatedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oxmon_cache_updated_at_ms",
			Help: "updatedAt of the snapshot currently held in memory (Unix ms)",
		}),
		queryNavigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxmon_query_navigations_total",
			Help: "Total number of URL replace navigations issued by the query synchronizer",
		}, []string{"page"}),
		queryInboundUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxmon_query_inbound_updates_total",
			Help: "Total number of state updates caused by external URL changes",
		}, []string{"page"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.guardRequests,
		c.guardCommitted,
		c.guardStale,
		c.cacheRefresh,
		c.cacheRefreshLatency,
		c.cacheCorruptReads,
		c.cacheRemoteUpdates,
		c.cacheUpdatedAt,
		c.queryNavigations,
		c.queryInboundUpdates,
	)

	return c
}

// RecordRequest 記錄請求發出
func (c *Collector) RecordRequest(guard string) {
	if c == nil {
		return
	}
	c.guardRequests.WithLabelValues(guard).Inc()
}

// RecordCommit 記錄結果提交，success=false 表示提交的是錯誤
func (c *Collector) RecordCommit(guard string, success bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	c.guardCommitted.WithLabelValues(guard, outcome).Inc()
}

// RecordStale 記錄過期結果被丟棄
func (c *Collector) RecordStale(guard string) {
	if c == nil {
		return
	}
	c.guardStale.WithLabelValues(guard).Inc()
}

// RecordRefresh 記錄一次快取刷新
func (c *Collector) RecordRefresh(success bool, latencySeconds float64) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	c.cacheRefresh.WithLabelValues(result).Inc()
	c.cacheRefreshLatency.Observe(latencySeconds)
}

// RecordCorruptRead 記錄讀到損壞記錄
func (c *Collector) RecordCorruptRead() {
	if c == nil {
		return
	}
	c.cacheCorruptReads.Inc()
}

// RecordRemoteUpdate 記錄收到其他分頁的變更通知
func (c *Collector) RecordRemoteUpdate() {
	if c == nil {
		return
	}
	c.cacheRemoteUpdates.Inc()
}

// SetUpdatedAt 設置目前快照的 updatedAt
func (c *Collector) SetUpdatedAt(ms int64) {
	if c == nil {
		return
	}
	c.cacheUpdatedAt.Set(float64(ms))
}

// RecordNavigation 記錄一次 URL replace
func (c *Collector) RecordNavigation(page string) {
	if c == nil {
		return
	}
	c.queryNavigations.WithLabelValues(page).Inc()
}

// RecordInboundUpdate 記錄一次 URL → 狀態的更新
func (c *Collector) RecordInboundUpdate(page string) {
	if c == nil {
		return
	}
	c.queryInboundUpdates.WithLabelValues(page).Inc()
}

// Handler 回傳 /metrics 使用的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
