package statebus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Decision records are compact verdict summaries, never raw tool
// payloads, so a 1 MiB fetch ceiling is generous while keeping a
// poisoned topic from ballooning consumer memory.
const defaultMaxBytes = 1 << 20

type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig describes the decision feed subscription. A fresh group
// id starts from the earliest offset: replaying history is safe because
// ingest deduplicates, and it backfills the store after a rebuild.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
	MaxBytes int
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	readerCfg := kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       maxBytes,
		CommitInterval: time.Second,
		// Live sessions watch this feed, so cap the broker wait well
		// below the heartbeat interval.
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	}
	if clientID := strings.TrimSpace(cfg.ClientID); clientID != "" {
		readerCfg.Dialer = &kafka.Dialer{
			ClientID:  clientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		}
	}
	return &KafkaConsumer{reader: kafka.NewReader(readerCfg)}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value, Partition: msg.Partition, Offset: msg.Offset}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
