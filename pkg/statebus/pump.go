package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
)

// IngestFunc hands one decoded decision to the ingest layer. The pump
// relies on the ingest layer's deduplication, so redelivery after a
// failed commit is safe.
type IngestFunc func(ctx context.Context, d models.Decision) error

// Pump drains a bus consumer into the ingest layer until the context
// ends. Malformed payloads are logged and skipped; they would never
// become valid on retry. Ingest failures back off briefly so a database
// outage does not spin the consumer group.
func Pump(ctx context.Context, c Consumer, ingest IngestFunc) {
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("statebus read: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var d models.Decision
		if err := json.Unmarshal(msg.Value, &d); err != nil {
			log.Printf("statebus decode partition=%d offset=%d: %v", msg.Partition, msg.Offset, err)
			continue
		}
		if err := ingest(ctx, d); err != nil {
			if errors.Is(err, models.ErrInvalidDirection) || errors.Is(err, models.ErrInvalidVerdict) ||
				errors.Is(err, models.ErrInvalidPayloadHash) || errors.Is(err, models.ErrNegativeLatency) {
				log.Printf("statebus reject partition=%d offset=%d: %v", msg.Partition, msg.Offset, err)
				continue
			}
			log.Printf("statebus ingest: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}
