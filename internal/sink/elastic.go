package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/olivere/elastic/v7"

	"github.com/setevik/logbridge/internal/event"
)

// Elastic bulk-indexes documents into daily indices named
// <prefix><yyyy-mm-dd>, using the entry timestamp in UTC.
type Elastic struct {
	client *elastic.Client
	prefix string
	res    Resource
	logger *slog.Logger
}

// NewElastic connects to the cluster at url. Sniffing is off by default so a
// single node behind a load balancer works.
func NewElastic(url, indexPrefix string, sniff bool, res Resource, logger *slog.Logger) (*Elastic, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := elastic.NewClient(
		elastic.SetURL(url),
		elastic.SetSniff(sniff),
		elastic.SetHealthcheck(false),
	)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &Elastic{client: client, prefix: indexPrefix, res: res, logger: logger}, nil
}

// Index returns the index name for a document.
func (s *Elastic) Index(d Document) string {
	return s.prefix + d.Timestamp.Format("2006-01-02")
}

func (s *Elastic) Export(ctx context.Context, entries []event.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	bulk := s.client.Bulk()
	for _, e := range entries {
		doc := NewDocument(e, s.res)
		bulk.Add(elastic.NewBulkIndexRequest().
			Index(s.Index(doc)).
			OpType("create").
			Doc(doc))
	}

	result, err := bulk.Do(ctx)
	if err != nil {
		return fmt.Errorf("elasticsearch bulk request: %w", err)
	}

	if result.Errors {
		failed := result.Failed()
		for _, item := range failed {
			if item.Error != nil {
				s.logger.Warn("elasticsearch rejected document",
					"index", item.Index,
					"status", item.Status,
					"reason", item.Error.Reason,
				)
			}
		}
		return fmt.Errorf("elasticsearch rejected %d of %d documents", len(failed), len(entries))
	}
	return nil
}

// Flush is a no-op: bulk requests are synchronous.
func (s *Elastic) Flush(context.Context) error { return nil }

func (s *Elastic) Shutdown(context.Context) error {
	s.client.Stop()
	return nil
}
