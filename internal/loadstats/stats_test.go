package loadstats

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Summary(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.AddSuccess(time.Duration(i)*time.Millisecond, 1+i%2)
		}(i)
	}
	wg.Wait()
	c.AddError("exhausted")
	c.AddError("exhausted")
	c.AddError("cancelled")

	s := c.Summary()
	assert.Equal(t, 100, s.Successes)
	assert.Equal(t, 3, s.Errors)
	assert.Equal(t, 50, s.Retries)
	assert.Equal(t, map[string]int{"exhausted": 2, "cancelled": 1}, s.ByClass)

	assert.Equal(t, 100, s.Latency.N)
	assert.Equal(t, 51*time.Millisecond, s.Latency.P50)
	assert.Equal(t, 95*time.Millisecond, s.Latency.P95)
	assert.Equal(t, 99*time.Millisecond, s.Latency.P99)
	assert.Equal(t, 100*time.Millisecond, s.Latency.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Latency.Avg)
	assert.InDelta(t, 2.91, s.ErrorRate(), 0.01)
}

func TestCollector_EmptyReport(t *testing.T) {
	c := NewCollector()
	var buf bytes.Buffer
	c.Report(&buf)

	out := buf.String()
	assert.Contains(t, out, "Successes:    0")
	assert.NotContains(t, out, "Fetch Latency")
	assert.Zero(t, c.Summary().ErrorRate())
}

func TestParseMetricLine(t *testing.T) {
	name, labels, v, ok := parseMetricLine(`chatkit_sessions_total{outcome="issued"} 12`)
	require.True(t, ok)
	assert.Equal(t, "chatkit_sessions_total", name)
	assert.Equal(t, "issued", labels["outcome"])
	assert.Equal(t, 12.0, v)

	name, labels, v, ok = parseMetricLine(`chatkit_inflight_requests 3`)
	require.True(t, ok)
	assert.Equal(t, "chatkit_inflight_requests", name)
	assert.Empty(t, labels)
	assert.Equal(t, 3.0, v)

	_, _, _, ok = parseMetricLine(`garbage`)
	assert.False(t, ok)
}

func TestScraper_ReportsDeltas(t *testing.T) {
	var scrapes atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := scrapes.Add(1)
		issued := 10
		if n > 1 {
			issued = 25
		}
		fmt.Fprintln(w, "# HELP chatkit_sessions_total Session issuance requests by outcome")
		fmt.Fprintf(w, "chatkit_sessions_total{outcome=\"issued\"} %d\n", issued)
		fmt.Fprintln(w, `chatkit_sessions_total{outcome="rate_limited"} 1`)
		fmt.Fprintf(w, "chatkit_inflight_requests %d\n", n)
		fmt.Fprintf(w, "chatkit_provider_latency_seconds_sum %f\n", float64(issued)*0.2)
		fmt.Fprintf(w, "chatkit_provider_latency_seconds_count %d\n", issued)
	}))
	defer ts.Close()

	s := NewScraper(ts.URL, time.Hour)
	s.Start(context.Background())
	s.Stop()

	var buf bytes.Buffer
	s.Report(&buf)
	out := buf.String()

	assert.Contains(t, out, "2 snapshots")
	assert.True(t, strings.Contains(out, "issued") && strings.Contains(out, "15"), out)
	assert.Contains(t, out, "Provider latency avg: 0.2000s  (15 calls)")
}

func TestScraper_NoData(t *testing.T) {
	s := NewScraper("http://127.0.0.1:1/metrics", time.Hour)
	var buf bytes.Buffer
	s.Report(&buf)
	assert.Contains(t, buf.String(), "no data collected")
}
