package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/leak-scanner/internal/model"
)

func TestScanFinished(t *testing.T) {
	m := New(false)

	m.ScanFinished(model.ScanResult{Status: model.StatusCompleted, FindingsCount: 3}, 2*time.Second)
	m.ScanFinished(model.ScanResult{Status: model.StatusCompleted, FindingsCount: 1}, time.Second)
	m.ScanFinished(model.ScanResult{Status: model.StatusFailed, FindingsCount: 9}, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.finished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.findings), "failed scans do not contribute findings")
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestGauges(t *testing.T) {
	m := New(false)

	m.ScanWaiting(1)
	m.ScanWaiting(-1)
	m.ScanRunning(1)
	m.ScanRunning(1)
	m.ScanRunning(-1)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.waiting))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
}

func TestSubmittedExposition(t *testing.T) {
	m := New(false)
	m.ScanSubmitted("api")
	m.ScanSubmitted("api")

	expected := `
# HELP leakscan_scans_submitted_total Scans accepted, by repository.
# TYPE leakscan_scans_submitted_total counter
leakscan_scans_submitted_total{repo="api"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "leakscan_scans_submitted_total"))
}

func TestHandler(t *testing.T) {
	m := New(true)
	m.ScanSubmitted("web")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `leakscan_scans_submitted_total{repo="web"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
