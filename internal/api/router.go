// ============================================================================
// oxmon-sync Admin API - 管理 HTTP 介面
// ============================================================================
//
// Package: internal/api
// 文件: router.go
// 功能: 以 HTTP 暴露設定快取 Provider 的狀態與操作，以及查詢參數正規化
//
// 路由:
//   GET    /healthz                              存活檢查
//   GET    /api/config                           Provider 狀態
//   GET    /api/config/system/{id}               單一系統設定
//   POST   /api/config/refresh                   立即刷新
//   POST   /api/config/reconcile                 重新讀取儲存並採用
//   DELETE /api/config                           清除快取
//   GET    /api/certificates/domains/filters     憑證網域列表查詢正規化
//   GET    /api/alerts/filters                   告警列表查詢正規化
//   GET    /metrics                              Prometheus
//
// ============================================================================

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/skingford/oxmon-web-sub003/internal/configcache"
	"github.com/skingford/oxmon-web-sub003/internal/querysync"
	"github.com/skingford/oxmon-web-sub003/internal/tracing"
)

var log = slog.Default()

const (
	domainsPath = "/certificates/domains"
	alertsPath  = "/alerts"
)

// Server HTTP handler 集合
type Server struct {
	provider *configcache.Provider
}

// NewRouter 建立路由；metricsHandler 為 nil 時不提供 /metrics
func NewRouter(provider *configcache.Provider, metricsHandler http.Handler) http.Handler {
	s := &Server{provider: provider}

	r := mux.NewRouter()
	r.Use(withRequestID, withTracing, accessLog)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Methods(http.MethodGet).Path("/api/config").HandlerFunc(s.getConfig)
	r.Methods(http.MethodDelete).Path("/api/config").HandlerFunc(s.clearConfig)
	r.Methods(http.MethodGet).Path("/api/config/system/{id}").HandlerFunc(s.getSystemConfig)
	r.Methods(http.MethodPost).Path("/api/config/refresh").HandlerFunc(s.refreshConfig)
	r.Methods(http.MethodPost).Path("/api/config/reconcile").HandlerFunc(s.reconcileConfig)

	r.Methods(http.MethodGet).Path("/api/certificates/domains/filters").HandlerFunc(s.domainFilters)
	r.Methods(http.MethodGet).Path("/api/alerts/filters").HandlerFunc(s.alertFilters)

	if metricsHandler != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(metricsHandler)
	}
	return r
}

type contextKey string

const requestIDKey contextKey = "req_id"

// RequestID 取得請求 ID，沒有時回傳空字串
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withRequestID 沿用 X-Request-ID，沒有時產生新的 uuid，並回寫到回應標頭
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withTracing 每個請求一個 span，trace id 回寫到 X-Trace-ID
func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			attribute.String("http.request_id", RequestID(r.Context())),
		)
		defer span.End()
		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set("X-Trace-ID", sc.TraceID().String())
		}

		m := httpsnoop.CaptureMetrics(next, w, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", m.Code))
	})
}

// accessLog 記錄每個請求的狀態碼與耗時
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log.Info("handled",
			"method", r.Method,
			"url", r.URL.String(),
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
			"request_id", RequestID(r.Context()))
	})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.State())
}

func (s *Server) getSystemConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cfg := s.provider.Config().SystemConfig(id)
	if cfg == nil {
		writeError(w, http.StatusNotFound, "system config not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) refreshConfig(w http.ResponseWriter, r *http.Request) {
	s.provider.RefreshConfig(r.Context())
	writeJSON(w, http.StatusOK, s.provider.State())
}

func (s *Server) reconcileConfig(w http.ResponseWriter, r *http.Request) {
	changed := s.provider.Reconcile()
	writeJSON(w, http.StatusOK, struct {
		Changed bool `json:"changed"`
		configcache.ProviderState
	}{changed, s.provider.State()})
}

func (s *Server) clearConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// filterResponse 查詢正規化結果
type filterResponse struct {
	Href    string      `json:"href"`
	Changed bool        `json:"changed"` // 原始查詢是否不是正規形式
	State   interface{} `json:"state"`
}

func (s *Server) domainFilters(w http.ResponseWriter, r *http.Request) {
	loc := querysync.Location{Path: domainsPath, Query: r.URL.Query()}
	canon, values := querysync.Canonical(loc, querysync.DomainFilterFields())
	writeJSON(w, http.StatusOK, filterResponse{
		Href:    canon.Href(),
		Changed: !canon.Equal(loc),
		State:   querysync.DomainFiltersFromValues(values),
	})
}

func (s *Server) alertFilters(w http.ResponseWriter, r *http.Request) {
	loc := querysync.Location{Path: alertsPath, Query: r.URL.Query()}
	canon, values := querysync.Canonical(loc, querysync.AlertFilterFields())
	writeJSON(w, http.StatusOK, filterResponse{
		Href:    canon.Href(),
		Changed: !canon.Equal(loc),
		State:   querysync.AlertFiltersFromValues(values),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
