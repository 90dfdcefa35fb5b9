package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/setevik/logbridge/internal/event"
)

const (
	otlpLogsPath  = "/v1/logs"
	otlpScopeName = "logbridge"
)

// OTLP posts protobuf-encoded ExportLogsServiceRequests to an OTLP/HTTP
// collector.
type OTLP struct {
	url      string
	headers  map[string]string
	resource *resourcepb.Resource
	client   *http.Client
	logger   *slog.Logger
}

// NewOTLP creates an OTLP sink for endpoint (scheme://host:port). The
// "/v1/logs" path is appended unless endpoint already ends with it.
func NewOTLP(endpoint string, headers map[string]string, timeout time.Duration, res Resource, logger *slog.Logger) *OTLP {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	url := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(url, otlpLogsPath) {
		url += otlpLogsPath
	}

	var attrs []*commonpb.KeyValue
	if res.Service != "" {
		attrs = append(attrs, stringKV("service.name", res.Service))
	}
	if res.Instance != "" {
		attrs = append(attrs, stringKV("service.instance.id", res.Instance))
	}

	return &OTLP{
		url:      url,
		headers:  headers,
		resource: &resourcepb.Resource{Attributes: attrs},
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (o *OTLP) Export(ctx context.Context, entries []event.Entry) error {
	body, err := proto.Marshal(o.request(entries, time.Now()))
	if err != nil {
		return fmt.Errorf("encoding otlp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating otlp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending otlp request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("otlp endpoint returned status %d", resp.StatusCode)
	}

	if len(respBody) > 0 {
		var out collogspb.ExportLogsServiceResponse
		if err := proto.Unmarshal(respBody, &out); err == nil {
			if ps := out.GetPartialSuccess(); ps.GetRejectedLogRecords() > 0 {
				o.logger.Warn("otlp endpoint rejected log records",
					"rejected", ps.GetRejectedLogRecords(),
					"message", ps.GetErrorMessage(),
				)
			}
		}
	}
	return nil
}

func (o *OTLP) request(entries []event.Entry, observed time.Time) *collogspb.ExportLogsServiceRequest {
	records := make([]*logspb.LogRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, logRecord(e, observed))
	}
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: o.resource,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: otlpScopeName},
				LogRecords: records,
			}},
		}},
	}
}

func logRecord(e event.Entry, observed time.Time) *logspb.LogRecord {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, stringKV(k, e.Attributes[k]))
	}

	var ts uint64
	if !e.Timestamp.IsZero() {
		ts = uint64(e.Timestamp.UnixNano())
	}

	return &logspb.LogRecord{
		TimeUnixNano:         ts,
		ObservedTimeUnixNano: uint64(observed.UnixNano()),
		SeverityNumber:       logspb.SeverityNumber(e.Severity),
		SeverityText:         e.SeverityText,
		Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: e.Body}},
		Attributes:           attrs,
	}
}

func stringKV(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   k,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}},
	}
}

// Flush is a no-op: every Export completes its request synchronously.
func (o *OTLP) Flush(context.Context) error { return nil }

func (o *OTLP) Shutdown(context.Context) error {
	o.client.CloseIdleConnections()
	return nil
}
