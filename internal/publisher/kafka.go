// Package publisher forwards session snapshots to Kafka.
package publisher

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlestream/internal/aggregator"
	"github.com/navid-fn/candlestream/internal/models"
)

const flushTimeoutMs = 5000

// CandleMessage is the record written for every changed latest candle.
type CandleMessage struct {
	Symbol    string        `json:"symbol"`
	Candle    models.Candle `json:"candle"`
	Count     int           `json:"series_length"`
	UpdatedAt string        `json:"updated_at"`
}

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher writes the newest candle of each snapshot to a topic,
// keyed by symbol. Unchanged candles are not re-sent.
type KafkaPublisher struct {
	producer producer
	topic    string
	logger   *logrus.Entry

	mu   sync.Mutex
	sent map[string]models.Candle
}

func NewKafkaPublisher(broker, topic string, logger *logrus.Logger) (*KafkaPublisher, error) {
	config := kafka.ConfigMap{
		"bootstrap.servers": broker,
	}
	p, err := kafka.NewProducer(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	pub := newPublisher(p, topic, logger)
	pub.logger.Info("Kafka producer initialized")
	return pub, nil
}

func newPublisher(p producer, topic string, logger *logrus.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: p,
		topic:    topic,
		logger:   logger.WithFields(logrus.Fields{"component": "publisher", "topic": topic}),
		sent:     make(map[string]models.Candle),
	}
}

// StartDeliveryReport logs failed deliveries until the producer is closed.
func (p *KafkaPublisher) StartDeliveryReport() {
	go func() {
		for e := range p.producer.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					p.logger.Errorf("message delivery failed: %v", ev.TopicPartition.Error)
				}
			case kafka.Error:
				p.logger.Errorf("producer error: %v", ev)
			}
		}
	}()
}

// PublishSnapshot sends the newest candle of snap if it changed since the last send.
func (p *KafkaPublisher) PublishSnapshot(snap aggregator.Snapshot) error {
	msg, ok, err := p.buildMessage(snap)
	if err != nil || !ok {
		return err
	}
	if err := p.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("produce %s: %w", snap.Symbol, err)
	}

	p.mu.Lock()
	p.sent[snap.Symbol] = snap.Candles[len(snap.Candles)-1]
	p.mu.Unlock()
	return nil
}

func (p *KafkaPublisher) buildMessage(snap aggregator.Snapshot) (*kafka.Message, bool, error) {
	if snap.Symbol == "" || len(snap.Candles) == 0 || snap.IsLoading {
		return nil, false, nil
	}
	last := snap.Candles[len(snap.Candles)-1]

	p.mu.Lock()
	prev, seen := p.sent[snap.Symbol]
	p.mu.Unlock()
	if seen && prev == last {
		return nil, false, nil
	}

	updated := snap.LastUpdateTime
	if updated.IsZero() {
		updated = time.Now()
	}
	value, err := json.Marshal(CandleMessage{
		Symbol:    snap.Symbol,
		Candle:    last,
		Count:     len(snap.Candles),
		UpdatedAt: updated.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal candle: %w", err)
	}

	topic := p.topic
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(snap.Symbol),
		Value:          value,
	}, true, nil
}

// Close flushes outstanding messages and closes the producer.
func (p *KafkaPublisher) Close() {
	if left := p.producer.Flush(flushTimeoutMs); left > 0 {
		p.logger.Warnf("%d messages not delivered before close", left)
	}
	p.producer.Close()
	p.logger.Info("Kafka producer closed")
}
