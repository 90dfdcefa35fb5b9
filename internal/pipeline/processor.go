package pipeline

import (
	"fmt"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/extract"
	"github.com/setevik/logbridge/internal/normalize"
)

// Processor turns one logical record into an entry. A nil entry with a nil
// error drops the record.
type Processor interface {
	Process(rec event.Record) (*event.Entry, error)
}

// Chain extracts fields from a record and normalizes them.
type Chain struct {
	Extractor  *extract.Extractor
	Normalizer *normalize.Normalizer
}

func (c Chain) Process(rec event.Record) (*event.Entry, error) {
	fields, ok := c.Extractor.Extract(rec)
	if !ok {
		return nil, nil
	}
	entry := c.Normalizer.Normalize(fields)
	return &entry, nil
}

// safeProcess converts a processor panic into a record-level error.
func safeProcess(p Processor, rec event.Record) (entry *event.Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			entry = nil
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(rec)
}
