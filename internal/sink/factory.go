package sink

import (
	"fmt"
	"log/slog"

	"github.com/setevik/logbridge/internal/config"
)

// New builds the sink selected by cfg.Sink.Type, wrapped in Retrying unless
// retries are disabled with attempts = 1.
func New(cfg *config.Config, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := Resource{Service: cfg.Instance.Service, Instance: cfg.Instance.ID}
	sc := cfg.Sink

	var (
		s   Sink
		err error
	)
	switch sc.Type {
	case config.SinkStdout:
		s = NewStdout(res)
	case config.SinkFile:
		s, err = NewFile(sc.File.Path, res)
	case config.SinkOTLP:
		s = NewOTLP(sc.OTLP.Endpoint, sc.OTLP.Headers, sc.OTLP.Timeout.Duration, res, logger)
	case config.SinkElasticsearch:
		s, err = NewElastic(sc.Elasticsearch.URL, sc.Elasticsearch.IndexPrefix, sc.Elasticsearch.Sniff, res, logger)
	case config.SinkKafka:
		s, err = NewKafka(sc.Kafka.Brokers, sc.Kafka.Topic, res)
	default:
		return nil, fmt.Errorf("unknown sink type %q", sc.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("sink configured", "type", sc.Type, "retry_attempts", sc.Retry.Attempts)
	if sc.Retry.Attempts == 1 {
		return s, nil
	}
	return NewRetrying(s, RetryOptions{
		Attempts:       sc.Retry.Attempts,
		InitialBackoff: sc.Retry.InitialBackoff.Duration,
		MaxBackoff:     sc.Retry.MaxBackoff.Duration,
		Logger:         logger,
	}), nil
}
