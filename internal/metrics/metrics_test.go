package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirrornode/edgenode/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelivery_FeedsCountersAndMetrics(t *testing.T) {
	m := New()
	var counters models.Counters

	d := m.Delivery(&counters)
	d.Add(1, 100)
	d.Add(1, 50)

	assert.Equal(t, models.CounterSnapshot{Hits: 2, Bytes: 150}, counters.Snapshot())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.servedHits))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.servedBytes))
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordKeepalive("ok")
	m.RecordKeepalive("ok")
	m.RecordKeepalive("error")
	m.RecordRestart()
	m.SetChannelState(2)
	m.SetRegistrationState(1)
	m.RecordSync(3, 300)
	m.SetIndexedFiles(42)
	m.RecordHTTPRequest("GET", "/download/:hash", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.keepaliveTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keepaliveTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restartsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.channelState))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.syncBytesTotal))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.indexedFiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/download/:hash", "200")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordKeepalive("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `edgenode_keepalive_total{result="ok"} 1`))
}
