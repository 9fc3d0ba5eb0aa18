package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/skingford/oxmon-web-sub003/internal/auth"
	"github.com/skingford/oxmon-web-sub003/internal/configcache"
	"github.com/skingford/oxmon-web-sub003/internal/metrics"
	"github.com/skingford/oxmon-web-sub003/internal/storage"
)

// staticSource 固定回應的設定服務
type staticSource struct {
	err error
}

func (s staticSource) RuntimeConfig(ctx context.Context) (map[string]interface{}, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[string]interface{}{"siteName": "oxmon"}, nil
}

func (s staticSource) SystemConfigs(ctx context.Context) ([]map[string]interface{}, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []map[string]interface{}{{"id": "smtp", "port": 587}}, nil
}

func newTestServer(t *testing.T, src configcache.Source) (*httptest.Server, *configcache.Provider) {
	t.Helper()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	tab := storage.NewMemoryOrigin().OpenTab("api")
	cache := configcache.NewCache(tab, src, configcache.Config{Metrics: collector})
	provider := configcache.NewProvider(cache, auth.Static(false), collector)
	_, err := provider.Mount(context.Background())
	require.NoError(t, err)
	t.Cleanup(provider.Unmount)

	ts := httptest.NewServer(NewRouter(provider, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	t.Cleanup(ts.Close)
	return ts, provider
}

func doJSON(t *testing.T, method, url string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{})
	var body map[string]string
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestConfigLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{})

	var state configcache.ProviderState
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/config", &state))
	assert.Nil(t, state.Config)
	assert.False(t, state.Loading)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/config/refresh", &state))
	require.NotNil(t, state.Config)
	assert.Equal(t, "oxmon", state.Config.RuntimeConfig["siteName"])

	var smtp map[string]interface{}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/config/system/smtp", &smtp))
	assert.Equal(t, float64(587), smtp["port"])

	var notFound map[string]string
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, ts.URL+"/api/config/system/nope", &notFound))
	assert.Contains(t, notFound["error"], "nope")

	assert.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, ts.URL+"/api/config", nil))
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/config", &state))
	assert.Nil(t, state.Config)
}

func TestRefreshFailureReportsError(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{err: &configcache.APIError{Status: 503, Message: "maintenance"}})

	var state configcache.ProviderState
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/config/refresh", &state))
	assert.Nil(t, state.Config)
	assert.Contains(t, state.Error, "maintenance")
}

func TestReconcileEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{})

	var body struct {
		Changed bool `json:"changed"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/config/reconcile", &body))
	assert.False(t, body.Changed)
}

func TestDomainFilters(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{})

	var body struct {
		Href    string `json:"href"`
		Changed bool   `json:"changed"`
		State   struct {
			DomainKeyword string `json:"domainKeyword"`
			StatusFilter  string `json:"statusFilter"`
			Offset        int    `json:"offset"`
		} `json:"state"`
	}
	url := ts.URL + "/api/certificates/domains/filters?status=bogus&domain=a.com&offset=40"
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, url, &body))
	assert.Equal(t, "/certificates/domains?domain=a.com&offset=40", body.Href)
	assert.True(t, body.Changed)
	assert.Equal(t, "a.com", body.State.DomainKeyword)
	assert.Equal(t, "all", body.State.StatusFilter)
	assert.Equal(t, 40, body.State.Offset)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/certificates/domains/filters", &body))
	assert.Equal(t, "/certificates/domains", body.Href)
	assert.False(t, body.Changed)
}

func TestAlertFilters(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{})

	var body struct {
		Href  string `json:"href"`
		State struct {
			Severity string `json:"severity"`
		} `json:"state"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/alerts/filters?severity=critical&offset=-1", &body))
	assert.Equal(t, "/alerts?severity=critical", body.Href)
	assert.Equal(t, "critical", body.State.Severity)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{})
	doJSON(t, http.MethodPost, ts.URL+"/api/config/refresh", &configcache.ProviderState{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{})
	resp, err := http.Post(ts.URL+"/api/config", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRequestIDHeader(t *testing.T) {
	ts, _ := newTestServer(t, staticSource{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	generated := resp.Header.Get("X-Request-ID")
	assert.Len(t, generated, 36, "a uuid is generated when the client sends none")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}

func TestTracingSpanPerRequest(t *testing.T) {
	prev := otel.GetTracerProvider()
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(prev)

	ts, _ := newTestServer(t, staticSource{})
	resp, err := http.Post(ts.URL+"/api/config/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get("X-Trace-ID"), 32)

	names := map[string]bool{}
	for _, s := range rec.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["http.request"])
	assert.True(t, names["configcache.refresh"], "the refresh span is a child of the request span")
}
