package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/proto"
)

type otlpCollector struct {
	mu       sync.Mutex
	requests []*collogspb.ExportLogsServiceRequest
	headers  []http.Header
	paths    []string
	status   int
	response []byte
}

func (c *otlpCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.requests = append(c.requests, &req)
	c.headers = append(c.headers, r.Header.Clone())
	c.paths = append(c.paths, r.URL.Path)
	status := c.status
	c.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(status)
	w.Write(c.response)
}

func TestOTLPExport(t *testing.T) {
	col := &otlpCollector{}
	srv := httptest.NewServer(col)
	defer srv.Close()

	s := NewOTLP(srv.URL, map[string]string{"X-Scope": "tenant-a"}, 0, testRes, quietLogger())
	defer s.Shutdown(context.Background())

	if err := s.Export(context.Background(), sampleEntries()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if len(col.requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(col.requests))
	}
	if col.paths[0] != "/v1/logs" {
		t.Errorf("path = %q, want /v1/logs", col.paths[0])
	}
	if ct := col.headers[0].Get("Content-Type"); ct != "application/x-protobuf" {
		t.Errorf("content type = %q", ct)
	}
	if h := col.headers[0].Get("X-Scope"); h != "tenant-a" {
		t.Errorf("custom header = %q", h)
	}

	rl := col.requests[0].GetResourceLogs()
	if len(rl) != 1 {
		t.Fatalf("resource logs = %d, want 1", len(rl))
	}
	attrs := map[string]string{}
	for _, kv := range rl[0].GetResource().GetAttributes() {
		attrs[kv.GetKey()] = kv.GetValue().GetStringValue()
	}
	if attrs["service.name"] != "iseries-log-bridge" {
		t.Errorf("service.name = %q", attrs["service.name"])
	}

	records := rl[0].GetScopeLogs()[0].GetLogRecords()
	if len(records) != 2 {
		t.Fatalf("log records = %d, want 2", len(records))
	}

	first := records[0]
	if first.GetSeverityNumber() != logspb.SeverityNumber_SEVERITY_NUMBER_ERROR {
		t.Errorf("severity = %v, want ERROR", first.GetSeverityNumber())
	}
	if first.GetSeverityText() != "ERROR" {
		t.Errorf("severity text = %q", first.GetSeverityText())
	}
	if first.GetBody().GetStringValue() != "Something went wrong" {
		t.Errorf("body = %q", first.GetBody().GetStringValue())
	}
	if kv := first.GetAttributes(); len(kv) != 1 || kv[0].GetKey() != "custom_field" || kv[0].GetValue().GetStringValue() != "value" {
		t.Errorf("attributes = %v", kv)
	}
	if first.GetTimeUnixNano() != uint64(sampleEntries()[0].Timestamp.UnixNano()) {
		t.Errorf("time = %d", first.GetTimeUnixNano())
	}
	if records[1].GetSeverityNumber() != logspb.SeverityNumber_SEVERITY_NUMBER_INFO {
		t.Errorf("second severity = %v, want INFO", records[1].GetSeverityNumber())
	}
}

func TestOTLPEndpointWithPath(t *testing.T) {
	s := NewOTLP("http://collector:4318/v1/logs/", nil, 0, testRes, quietLogger())
	if s.url != "http://collector:4318/v1/logs" {
		t.Errorf("url = %q", s.url)
	}
}

func TestOTLPErrorStatus(t *testing.T) {
	col := &otlpCollector{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(col)
	defer srv.Close()

	s := NewOTLP(srv.URL, nil, 0, testRes, quietLogger())
	if err := s.Export(context.Background(), sampleEntries()); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestOTLPPartialSuccessIsNotAnError(t *testing.T) {
	resp, err := proto.Marshal(&collogspb.ExportLogsServiceResponse{
		PartialSuccess: &collogspb.ExportLogsPartialSuccess{RejectedLogRecords: 1, ErrorMessage: "too old"},
	})
	if err != nil {
		t.Fatal(err)
	}
	col := &otlpCollector{response: resp}
	srv := httptest.NewServer(col)
	defer srv.Close()

	s := NewOTLP(srv.URL, nil, 0, testRes, quietLogger())
	if err := s.Export(context.Background(), sampleEntries()); err != nil {
		t.Fatalf("partial success should not fail the export: %v", err)
	}
}
