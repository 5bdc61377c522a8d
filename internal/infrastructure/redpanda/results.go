package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
)

// Header keys set on every result message
const (
	HeaderRunID       = "pdc-run-id"
	HeaderContentType = "content-type"
)

// ResultMessage is the JSON value of one published result.
type ResultMessage struct {
	RunID      string            `json:"run_id"`
	ComputedAt time.Time         `json:"computed_at"`
	Result     *adherence.Result `json:"result"`
}

// BatchProducer sends records and waits for their acknowledgement.
type BatchProducer interface {
	ProduceBatch(ctx context.Context, records []*Record) error
	Close() error
}

// ResultPublisher publishes one message per patient, keyed by patient id so
// that all results of a patient land on the same partition.
type ResultPublisher struct {
	producer BatchProducer
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

// NewResultPublisher publishes to topic through producer.
func NewResultPublisher(producer BatchProducer, topic string, logger *zap.Logger) *ResultPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = TopicAdherenceResults
	}
	return &ResultPublisher{producer: producer, topic: topic, logger: logger, now: time.Now}
}

// Name identifies the destination
func (p *ResultPublisher) Name() string { return "redpanda:" + p.topic }

// Publish sends results and returns once the broker has acknowledged them.
func (p *ResultPublisher) Publish(ctx context.Context, runID string, results []*adherence.Result) error {
	computedAt := p.now().UTC()
	records := make([]*Record, 0, len(results))
	for _, res := range results {
		value, err := json.Marshal(ResultMessage{RunID: runID, ComputedAt: computedAt, Result: res})
		if err != nil {
			return fmt.Errorf("marshal result for %s: %w", res.PatientID, err)
		}
		records = append(records, &Record{
			Topic: p.topic,
			Key:   res.PatientID,
			Value: value,
			Headers: []Header{
				{Key: HeaderRunID, Value: runID},
				{Key: HeaderContentType, Value: "application/json"},
			},
		})
	}

	if err := p.producer.ProduceBatch(ctx, records); err != nil {
		return err
	}
	p.logger.Debug("results published",
		zap.String("topic", p.topic),
		zap.String("run_id", runID),
		zap.Int("count", len(records)))
	return nil
}

// Close closes the producer
func (p *ResultPublisher) Close() error {
	return p.producer.Close()
}
