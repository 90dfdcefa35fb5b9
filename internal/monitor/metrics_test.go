package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(RecordsRead)
	RecordsRead.Add(3)
	if got := testutil.ToFloat64(RecordsRead) - before; got != 3 {
		t.Errorf("records read delta = %v, want 3", got)
	}

	beforeSize := testutil.ToFloat64(WindowsReleased.WithLabelValues("size"))
	WindowsReleased.WithLabelValues("size").Inc()
	if got := testutil.ToFloat64(WindowsReleased.WithLabelValues("size")) - beforeSize; got != 1 {
		t.Errorf("windows released delta = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	Runs.WithLabelValues("COMPLETED").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"logbridge_runs_total", "logbridge_records_read_total", "logbridge_runs_active"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
