package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{409, "4xx"},
		{502, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrows/:bountyId", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrows/:bountyId", "4xx"))
	for _, id := range []string{"B1", "B2", "B3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+id, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrows/:bountyId", "4xx"))
	assert.Equal(t, 3.0, after-before)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.GreaterOrEqual(t, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")), 1.0)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	BuildInfo.WithLabelValues("test", "memory", "fake").Set(1)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `bountypay_build_info{env="test",gateway="fake",storage="memory"} 1`)
	assert.Contains(t, w.Body.String(), "bountypay_goroutines")
}

func TestCollect_WithoutDatabase(t *testing.T) {
	collect(nil)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var gauge *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "bountypay_goroutines" {
			gauge = mf
		}
	}
	require.NotNil(t, gauge)
	require.Len(t, gauge.GetMetric(), 1)
	assert.Positive(t, gauge.GetMetric()[0].GetGauge().GetValue())
}
