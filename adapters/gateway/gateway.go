package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/adapters/mongo"
	"github.com/meetscribe/transcriber/domain/repositories"
	"github.com/meetscribe/transcriber/internal/config"
)

// Gateway bundles the dispatcher with its cache, recovery loop and sink connection
type Gateway struct {
	*Dispatcher
	cache    *SQLiteCache
	recovery *RecoveryService
	closers  []func(context.Context) error
	logger   *zap.Logger
}

// Open builds the sink selected by cfg.Mode, opens the cache and starts recovery
func Open(ctx context.Context, cfg config.GatewayConfig, clk clock.Clock, logger *zap.Logger) (*Gateway, error) {
	logger = logger.Named("gateway")
	timeout := config.Millis(cfg.DeliveryTimeoutMS)

	g := &Gateway{logger: logger}

	var sink repositories.CheckpointSink
	switch cfg.Mode {
	case "mongo":
		client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, client.Close)
		sink = mongo.NewTranscriptRepository(client.Database)
	case "nats":
		ns, err := ConnectNATS(cfg.NATSServers, cfg.NATSSubjectPrefix, timeout, logger)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, func(context.Context) error {
			ns.Close()
			return nil
		})
		sink = ns
	case "log", "":
		sink = NewLogSink(logger)
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
	}

	cache, err := OpenCache(ctx, cfg.CachePath)
	if err != nil {
		g.closeSinks(ctx)
		return nil, err
	}
	g.cache = cache
	g.Dispatcher = NewDispatcher(sink, cache, cfg.QueueSize, timeout, logger)
	g.recovery = NewRecoveryService(g.Dispatcher, time.Duration(cfg.RecoveryIntervalSec)*time.Second, clk, logger)
	g.recovery.Start()

	logger.Info("Persistence gateway ready",
		zap.String("mode", sink.Name()),
		zap.String("cache", cfg.CachePath))
	return g, nil
}

// Close stops recovery, drains pending checkpoints and closes the sink and cache
func (g *Gateway) Close(ctx context.Context) error {
	g.recovery.Stop()
	err := g.Dispatcher.Close(ctx)
	err = errors.Join(err, g.closeSinks(ctx))
	return errors.Join(err, g.cache.Close())
}

func (g *Gateway) closeSinks(ctx context.Context) error {
	var err error
	for _, c := range g.closers {
		err = errors.Join(err, c(ctx))
	}
	return err
}
