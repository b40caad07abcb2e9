package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCounters(t *testing.T) {
	m := New()

	m.JobStarted("download")
	m.JobStarted("download")
	m.JobFinished("download", "done", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.started.WithLabelValues("download")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("download", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active.WithLabelValues("download")))
}

func TestPagesAndPDF(t *testing.T) {
	m := New()
	m.Pages(3, 2, 1)
	m.PDF("done")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.pages.WithLabelValues("saved")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pages.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pages.WithLabelValues("restricted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pdfs.WithLabelValues("done")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobStarted("check")
		m.JobFinished("check", "error", time.Second)
		m.Pages(1, 0, 0)
		m.PDF("error")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.JobStarted("check")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `pageforge_jobs_started_total{kind="check"} 1`)
}
