package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMetrics_Counters(t *testing.T) {
	m := NewRunMetrics()
	m.RowWritten()
	m.RowWritten()
	m.InsertFailed()
	m.CoercionFailed("weight")
	m.CoercionFailed("weight")
	m.CoercionFailed("visit_date")
	m.SetShape(3, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rowsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.insertFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.coercionFailures.WithLabelValues("weight")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.coercionFailures.WithLabelValues("visit_date")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.records))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.columns))
}

func TestRunMetrics_Finish(t *testing.T) {
	now := time.Unix(1700000000, 0)

	m := NewRunMetrics()
	m.Finish(1500*time.Millisecond, false, now)
	assert.Equal(t, 1.5, testutil.ToFloat64(m.duration))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.lastSuccess))

	m.Finish(2*time.Second, true, now)
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.lastSuccess))
}

func TestRunMetrics_RegistriesAreIndependent(t *testing.T) {
	a := NewRunMetrics()
	b := NewRunMetrics()
	a.RowWritten()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.rowsWritten))
}

func TestRunMetrics_Push(t *testing.T) {
	var mu sync.Mutex
	var method, path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewRunMetrics()
	m.RowWritten()
	require.NoError(t, m.Push(context.Background(), srv.URL, "", "Demo"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/castorsql/study/Demo", path)
	assert.True(t, len(body) > 0)
}

func TestRunMetrics_PushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewRunMetrics().Push(context.Background(), srv.URL, "job", "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "push"))
}
