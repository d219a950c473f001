package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/hauworth/mediamill/internal/queue"
	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("Dispatcher")

// DefaultPriority is the mid-band priority applied when a producer does not
// specify one. Lower numbers are claimed first.
const DefaultPriority = 50

// Dispatcher routes typed job payloads to their queue. It owns no queue
// state itself; queues are created lazily by the injected registry.
type Dispatcher struct {
	registry *queue.Registry
	validate *validator.Validate
}

func NewDispatcher(registry *queue.Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		validate: validator.New(),
	}
}

// AddJob validates the payload's common fields, resolves the queue from the
// payload's type and enqueues it under the `{type}-{assetId}` identity.
// An UnknownJobTypeError is returned for types outside the enumerated set.
func (d *Dispatcher) AddJob(ctx context.Context, payload Payload) error {
	queueName, err := payload.Type.QueueName()
	if err != nil {
		return err
	}

	if err := d.validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid %s job payload: %w", payload.Type, err)
	}

	priority := DefaultPriority
	if payload.Priority != nil {
		priority = *payload.Priority
	}

	q, err := d.registry.GetQueue(ctx, queueName)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s job payload: %w", payload.Type, err)
	}

	if err := q.Enqueue(ctx, payload.Identity(), raw, priority); err != nil {
		return err
	}

	log.Debugf("Dispatched %s job for asset %s to queue %s\n", payload.Type, payload.AssetID, queueName)
	return nil
}
