package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrchestratorMetrics(reg)

	m.IncStage("deploy", "ok")
	m.IncStage("deploy", "ok")
	m.IncSubmission("transfer", "included")
	m.ObserveInclusion("transfer", 3*time.Second)
	m.AddGasCost("native", 1000)
	m.AddGasCost("token", -5)
	m.IncRun("completed")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.numStages.WithLabelValues("deploy", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.numSubmissions.WithLabelValues("transfer", "included")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(m.gasCost.WithLabelValues("native")))
	// negative costs are not counted
	assert.Equal(t, float64(0), testutil.ToFloat64(m.gasCost.WithLabelValues("token")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.inclusionWait))
}

func TestServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrchestratorMetrics(reg)
	m.IncRun("completed")

	s := NewServer("127.0.0.1:0", reg, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.SetReady(true)
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `ap_userops_runs_total{status="completed"} 1`)
}
