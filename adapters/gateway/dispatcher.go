package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

// ErrDispatcherClosed is returned when delivering through a closed dispatcher
var ErrDispatcherClosed = errors.New("dispatcher closed")

// IDAllocator is implemented by sinks that mint their own document ids
type IDAllocator interface {
	AllocateDocumentID() string
}

// Dispatcher is the Persistence Gateway client. Emit never blocks: checkpoints
// go through one ordered queue, and anything that cannot be delivered lands in
// the local cache. Once a document has cached checkpoints, its later
// checkpoints are cached too so the recovery sweep replays them in order.
type Dispatcher struct {
	sink            repositories.CheckpointSink
	cache           repositories.CheckpointCache
	deliveryTimeout time.Duration
	logger          *zap.Logger

	queue chan entities.Checkpoint
	done  chan struct{}

	// guards queue sends against Close
	queueMu sync.Mutex
	closed  bool

	// serializes queue processing with recovery replays
	deliverMu sync.Mutex
}

// Ensure Dispatcher implements the CheckpointGateway interface
var _ repositories.CheckpointGateway = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher and starts its worker
func NewDispatcher(sink repositories.CheckpointSink, cache repositories.CheckpointCache, queueSize int, deliveryTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		sink:            sink,
		cache:           cache,
		deliveryTimeout: deliveryTimeout,
		logger:          logger.With(zap.String("sink", sink.Name())),
		queue:           make(chan entities.Checkpoint, queueSize),
		done:            make(chan struct{}),
	}
	go d.run()
	return d
}

// AllocateDocumentID returns a new document id
func (d *Dispatcher) AllocateDocumentID() string {
	if alloc, ok := d.sink.(IDAllocator); ok {
		return alloc.AllocateDocumentID()
	}
	return uuid.NewString()
}

// Emit queues a checkpoint for delivery without waiting on it
func (d *Dispatcher) Emit(cp entities.Checkpoint) {
	d.queueMu.Lock()
	if !d.closed {
		select {
		case d.queue <- cp:
			d.queueMu.Unlock()
			return
		default:
		}
	}
	reason := errors.New("delivery queue full")
	if d.closed {
		reason = ErrDispatcherClosed
	}
	d.queueMu.Unlock()

	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	d.cacheCheckpoint(cp, reason)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for cp := range d.queue {
		d.deliverMu.Lock()
		d.process(cp)
		d.deliverMu.Unlock()
	}
}

func (d *Dispatcher) process(cp entities.Checkpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout)
	defer cancel()

	key := cp.CacheKey()
	pending, err := d.cache.Has(ctx, key)
	if err != nil {
		d.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if pending {
		d.cacheCheckpoint(cp, errors.New("earlier checkpoints awaiting recovery"))
		return
	}

	if err := d.sink.Deliver(ctx, cp); err != nil {
		d.cacheCheckpoint(cp, err)
		return
	}
	d.logger.Debug("Checkpoint delivered",
		zap.String("kind", string(cp.Kind)),
		zap.String("documentId", cp.DocumentID))
}

func (d *Dispatcher) cacheCheckpoint(cp entities.Checkpoint, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout)
	defer cancel()

	d.logger.Warn("Checkpoint routed to local cache",
		zap.String("kind", string(cp.Kind)),
		zap.String("documentId", cp.DocumentID),
		zap.Error(reason))
	if err := d.cache.Put(ctx, cp); err != nil {
		d.logger.Error("Failed to cache checkpoint",
			zap.String("kind", string(cp.Kind)),
			zap.String("documentId", cp.DocumentID),
			zap.Error(err))
	}
}

// ReplayCached delivers cached checkpoints document by document: Init, then
// the latest Update unless a Finalize supersedes it, then Finalize. A document
// stops at its first failed delivery and is retried on the next sweep.
func (d *Dispatcher) ReplayCached(ctx context.Context) (int, error) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	pending, err := d.cache.Pending(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for key, group := range pending {
		finalized := false
		for _, cp := range group {
			if cp.Kind == entities.CheckpointFinalize {
				finalized = true
			}
		}

		for _, cp := range group {
			if cp.Kind == entities.CheckpointUpdate && finalized {
				if err := d.cache.Delete(ctx, key, cp.Kind); err != nil {
					return delivered, err
				}
				continue
			}

			dctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
			err := d.sink.Deliver(dctx, cp)
			cancel()
			if err != nil {
				d.logger.Warn("Replay failed, keeping document cached",
					zap.String("key", key),
					zap.String("kind", string(cp.Kind)),
					zap.Error(err))
				break
			}
			if err := d.cache.Delete(ctx, key, cp.Kind); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
	return delivered, nil
}

// Close drains the queue. Checkpoints still queued when ctx ends stay in the
// channel and are lost, so callers give it enough time.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.queueMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.queueMu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain checkpoint queue: %w", ctx.Err())
	}
}
