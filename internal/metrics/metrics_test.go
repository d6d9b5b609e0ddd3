package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	m := New()
	m.ObserveRequest("/embed", 200, time.Now())
	m.ObserveRequest("/embed", 200, time.Now())
	m.ObserveRequest("/embed", 503, time.Now())
	require.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/embed", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/embed", "503")))

	m.ObserveCacheLookup("lru", true)
	m.ObserveCacheLookup("lru", false)
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("lru", "hit")))

	m.ObserveEmbedding("text", time.Now(), nil)
	m.ObserveEmbedding("text", time.Now(), errors.New("boom"))
	require.Equal(t, 2, testutil.CollectAndCount(m.inferenceSeconds))
}

func TestMetrics_HandlerExposesModelState(t *testing.T) {
	m := New()
	m.RegisterModelState(func() float64 { return 2 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "clipembed_model_state 2")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("/health", 200, time.Now())
	m.ObserveEmbedding("image", time.Now(), nil)
	m.ObserveCacheLookup("db", false)
	m.RegisterModelState(func() float64 { return 0 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}
