package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/oku-ride/internal/models"
)

// PingReader reads location pings from the location stream as part of a
// consumer group.
type PingReader struct {
	reader *kafka.Reader
}

func NewPingReader(brokers []string, topic, group string) *PingReader {
	return &PingReader{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})}
}

// Fetch returns the next message without committing it.
func (r *PingReader) Fetch(ctx context.Context) (kafka.Message, error) {
	return r.reader.FetchMessage(ctx)
}

func (r *PingReader) Commit(ctx context.Context, m kafka.Message) error {
	return r.reader.CommitMessages(ctx, m)
}

func (r *PingReader) Close() error { return r.reader.Close() }

func DecodePing(raw []byte) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode ping: %w", err)
	}
	if p.DriverID == "" {
		return p, fmt.Errorf("decode ping: missing driver_id")
	}
	return p, nil
}
