package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/mrms-compare/internal/config"
	"github.com/couchcryptid/mrms-compare/internal/domain"
)

// MatchedEventType labels every published record so downstream consumers
// can route on the header without decoding the body.
const MatchedEventType = "mrms.comparison.matched"

// Writer publishes merged comparison records to a Kafka topic.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured match topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaMatchTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishMatches serializes and publishes the records in a single
// WriteMessages call, keyed by incident so one incident's records land on
// one partition.
func (w *Writer) PublishMatches(ctx context.Context, records []domain.MergedRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(records))
	for i := range records {
		msg, err := serializeToMessage(records[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a merged record into a Kafka message.
func serializeToMessage(rec domain.MergedRecord) (kafkago.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize merged record: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(rec.IncidentID()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(MatchedEventType)},
			{Key: "aligned_utc_timestamp", Value: []byte(rec.AlignedTimestamp())},
		},
	}, nil
}
