// Package statebus drains upstream governance verdicts from a message
// bus into the decision store. The bus delivers at least once; the
// ingest layer's dedup key makes redelivery invisible downstream.
package statebus

import "context"

// Message is one bus record carrying a JSON-encoded decision, along
// with the position it came from so rejects can be traced back to the
// broker.
type Message struct {
	Value     []byte
	Partition int
	Offset    int64
}

// Consumer abstracts the bus so the pump runs against fakes in tests.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
