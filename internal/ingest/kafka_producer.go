package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/oku-ride/internal/models"
)

// KafkaProducer writes location pings and booking events to their topics.
// Messages are keyed by driver or booking id so each key stays ordered within
// its partition.
type KafkaProducer struct {
	pings  *kafka.Writer
	events *kafka.Writer
}

// NewKafkaProducer builds writers for the ping and event topics. An empty
// topic disables that writer.
func NewKafkaProducer(brokers []string, pingTopic, eventTopic string) *KafkaProducer {
	k := &KafkaProducer{}
	if pingTopic != "" {
		// Pings are fire-and-forget for the device, so the writer batches in
		// the background.
		k.pings = newWriter(brokers, pingTopic, true)
	}
	if eventTopic != "" {
		k.events = newWriter(brokers, eventTopic, false)
	}
	return k
}

func newWriter(brokers []string, topic string, async bool) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        async,
	}
}

func (k *KafkaProducer) PublishPing(ctx context.Context, p models.LocationPing) error {
	if k.pings == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.pings.WriteMessages(ctx, kafka.Message{Key: []byte(p.DriverID), Value: b, Time: p.Timestamp})
}

// Publish implements events.Publisher for the booking event topic.
func (k *KafkaProducer) Publish(ctx context.Context, evt models.Event) error {
	if k.events == nil {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key := evt.BookingID
	if key == "" {
		key = evt.DriverID
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   b,
		Time:    evt.OccurredAt,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(evt.Type)}},
	}
	if err := k.events.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", evt.Type, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []*kafka.Writer{k.pings, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
