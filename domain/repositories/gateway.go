package repositories

import (
	"context"

	"github.com/meetscribe/transcriber/domain/entities"
)

// CheckpointGateway receives transcript checkpoints.
//
// Emit never blocks on delivery; failures degrade to the local cache.
type CheckpointGateway interface {
	AllocateDocumentID() string
	Emit(cp entities.Checkpoint)
}

// CheckpointSink durably applies one checkpoint at the remote store
type CheckpointSink interface {
	Name() string
	Deliver(ctx context.Context, cp entities.Checkpoint) error
}

// CheckpointCache holds checkpoints that could not be delivered
type CheckpointCache interface {
	Put(ctx context.Context, cp entities.Checkpoint) error
	Has(ctx context.Context, key string) (bool, error)
	// Pending returns cached checkpoints grouped by cache key, each group in replay order.
	Pending(ctx context.Context) (map[string][]entities.Checkpoint, error)
	Delete(ctx context.Context, key string, kind entities.CheckpointKind) error
	Close() error
}
