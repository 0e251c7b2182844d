// Package kafka publishes terminal failures to a Kafka topic for downstream
// alerting consumers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cwygoda/cepresolver/internal/domain"
)

// DefaultTopic receives failure events when no topic is configured.
const DefaultTopic = "cepresolver.failures"

// Event is the wire form of a FailureRecord.
type Event struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Kind       string    `json:"error_kind"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempt_count"`
	FailedAt   time.Time `json:"failed_at"`
}

// Recorder implements domain.FailureRecorder by producing one record per
// failure, keyed by identifier.
type Recorder struct {
	client *kgo.Client
	topic  string
}

// New connects to brokers. Extra kgo options are appended to the defaults.
func New(brokers []string, topic string, opts ...kgo.Opt) (*Recorder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", domain.ErrConfiguration)
	}
	if topic == "" {
		topic = DefaultTopic
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Recorder{client: client, topic: topic}, nil
}

// EnsureTopic creates the topic if it does not exist.
func (r *Recorder) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(r.client)
	resp, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, r.topic)
	if err != nil {
		return domain.Unavailable("create topic", err)
	}
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return domain.Unavailable("create topic "+t.Topic, t.Err)
		}
	}
	return nil
}

// Record produces rec synchronously.
func (r *Recorder) Record(ctx context.Context, rec domain.FailureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}
	value, err := Encode(rec)
	if err != nil {
		return err
	}
	res := r.client.ProduceSync(ctx, &kgo.Record{
		Topic: r.topic,
		Key:   []byte(rec.Identifier),
		Value: value,
	})
	return domain.Unavailable("produce failure", res.FirstErr())
}

// Close flushes and closes the client.
func (r *Recorder) Close() {
	r.client.Close()
}

// Encode serializes rec as an Event.
func Encode(rec domain.FailureRecord) ([]byte, error) {
	b, err := json.Marshal(Event{
		ID:         rec.ID,
		Identifier: rec.Identifier,
		Kind:       string(rec.Kind),
		Message:    rec.Message,
		Attempts:   rec.Attempts,
		FailedAt:   rec.FailedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode failure event: %w", err)
	}
	return b, nil
}

// Decode parses an Event back into a FailureRecord.
func Decode(value []byte) (domain.FailureRecord, error) {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return domain.FailureRecord{}, fmt.Errorf("decode failure event: %w", err)
	}
	kind := domain.ErrorKind(ev.Kind)
	if !kind.Valid() {
		return domain.FailureRecord{}, fmt.Errorf("decode failure event: unknown kind %q", ev.Kind)
	}
	return domain.FailureRecord{
		ID:         ev.ID,
		Identifier: ev.Identifier,
		Kind:       kind,
		Message:    ev.Message,
		Attempts:   ev.Attempts,
		FailedAt:   ev.FailedAt,
	}, nil
}
