// Package sink implements the export backends behind the batch exporter:
// JSON lines to stdout or a file, OTLP/HTTP, Elasticsearch and Kafka, plus a
// retrying wrapper usable around any of them.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/setevik/logbridge/internal/event"
)

// Sink is the contract shared by every backend in this package.
type Sink interface {
	Export(ctx context.Context, entries []event.Entry) error
	Flush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ErrClosed is returned by Export after Shutdown.
var ErrClosed = errors.New("sink: closed")

// Resource describes the process producing the entries.
type Resource struct {
	Service  string
	Instance string
}

// Document is the JSON shape shared by the file, Elasticsearch and Kafka
// sinks.
type Document struct {
	Timestamp      time.Time         `json:"@timestamp"`
	Level          string            `json:"level"`
	SeverityNumber int32             `json:"severity_number"`
	Message        string            `json:"message"`
	Service        string            `json:"service,omitempty"`
	Instance       string            `json:"instance,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// NewDocument converts an entry. The level is the canonical severity name;
// the raw token is kept as the "severity_text" attribute when it differs.
func NewDocument(e event.Entry, res Resource) Document {
	attrs := e.Attributes
	if e.SeverityText != "" && e.SeverityText != e.Severity.String() {
		attrs = make(map[string]string, len(e.Attributes)+1)
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		attrs["severity_text"] = e.SeverityText
	}
	return Document{
		Timestamp:      e.Timestamp.UTC(),
		Level:          e.Severity.String(),
		SeverityNumber: int32(e.Severity),
		Message:        e.Body,
		Service:        res.Service,
		Instance:       res.Instance,
		Attributes:     attrs,
	}
}
